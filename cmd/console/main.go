package main

import (
	"context"
	"fmt"
	stdos "os"
	"text/tabwriter"
	"time"

	"github.com/filmbot/appliance/pkg/appliance"
	"github.com/filmbot/appliance/pkg/config"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/os"
	flag "github.com/spf13/pflag"
)

var Version = "?"

const shutdownTimeout = 10 * time.Second

func main() {
	var flags config.Flags
	flags.Bind(flag.CommandLine)
	flag.Parse()

	if flags.ListDevices {
		listDevices()
		return
	}

	conf, err := config.NewConfig(flags.Path)
	if err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}
	flags.Apply(&conf)
	if err = conf.Validate(); err != nil {
		logger.Default().Fatal().Err(err).Msg("config")
	}

	log := logger.NewConsole(conf.Console.Debug, conf.Console.Tag, conf.Console.NoColor)
	log.Info().Msgf("version %s", Version)
	log.Debug().Msgf("config: %+v", conf)

	app, err := appliance.New(conf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	app.Start()
	<-os.ExpectTermination()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}

func listDevices() {
	ctx := context.Background()
	d := device.NewDetector()
	w := tabwriter.NewWriter(stdos.Stdout, 0, 4, 2, ' ', 0)
	for _, i := range append(d.Video(ctx), d.Audio(ctx)...) {
		_, _ = fmt.Fprintf(w, "%v\t%v\t%v\n", i.Kind, i.Handle, i.Name)
	}
	_ = w.Flush()
}
