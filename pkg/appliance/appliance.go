// Package appliance puts the capture pieces together.
package appliance

import (
	"fmt"

	"github.com/filmbot/appliance/pkg/audio"
	"github.com/filmbot/appliance/pkg/config"
	"github.com/filmbot/appliance/pkg/console"
	"github.com/filmbot/appliance/pkg/coordinator"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/monitoring"
	"github.com/filmbot/appliance/pkg/service"
	"github.com/filmbot/appliance/pkg/video"
)

type Appliance struct {
	service.Group

	Coordinator *coordinator.Coordinator
	Console     *console.Server
	View        *console.View
	Metrics     *monitoring.Metrics
}

// New makes all the services of the appliance.
// They start in the order: view, console, monitoring, coordinator,
// so the devices are released first on shutdown.
func New(conf config.Config, log *logger.Logger) (*Appliance, error) {
	policy, err := coordinator.ParsePolicy(conf.Marker.Unreadable)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	view := console.NewView(conf.Console.Refresh, log.Mod("view"))
	reg := device.NewRegistry(conf.Devices.LockDir, log.Mod("device"))

	videoDev, audioDev := conf.VideoDevice(), conf.AudioDevice()

	vlog := log.Mod("video")
	ffmpeg := video.NewFfmpeg(conf.Video.Ffmpeg, conf.Video.Preview.Width, conf.Video.Preview.Height, vlog)
	neg := video.NewNegotiator(ffmpeg, Formats(conf.Video.Formats), conf.Video.ProbeFrames, conf.Video.ProbeTimeout, vlog)
	vl := videoListener{Listener: view.Video(), m: metrics, dev: videoDev}
	vs := video.NewSupervisor(neg, video.Options{
		Attempts:        conf.Video.Attempts,
		RetryDelay:      conf.Video.RetryDelay,
		MaxReadFailures: conf.Video.MaxReadFailures,
		ReadTimeout:     conf.Video.ProbeTimeout,
		StopTimeout:     conf.Video.StopTimeout,
	}, vl, vlog)

	aopts := audio.DefaultOptions()
	aopts.Format = audio.PCM{Rate: conf.Audio.Rate, Channels: conf.Audio.Channels}
	aopts.Window = conf.Audio.Window
	aopts.Interval = conf.Audio.Interval
	aopts.StopTimeout = conf.Audio.StopTimeout
	al := audioListener{Listener: view.Audio(), m: metrics, dev: audioDev}
	as := audio.NewSupervisor(audio.NewArecord(conf.Audio.Arecord), aopts, al, log.Mod("audio"))

	var obs coordinator.Observer
	if conf.Marker.Watch {
		obs = coordinator.NewWatcher(conf.Marker.Path, conf.Marker.Interval, log.Mod("marker"))
	} else {
		obs = coordinator.NewPoller(conf.Marker.Path, conf.Marker.Interval)
	}

	coord := coordinator.New(reg, obs, modeListener{ModeListener: view, m: metrics}, policy, log.Mod("coordinator"),
		&coordinator.Unit{Name: "video", Device: device.Handle(videoDev), Kind: device.Video, Sup: vs.WithFPS(conf.Video.FPS),
			OnBusy: busy(vl, videoDev)},
		&coordinator.Unit{Name: "audio", Device: device.Handle(audioDev), Kind: device.Audio, Sup: as,
			OnBusy: busy(al, audioDev)},
	)

	server, err := console.NewServer(console.Options{
		Address: conf.Console.Address,
		Width:   conf.Console.Snapshot.Width,
		Quality: conf.Console.Snapshot.Quality,
	}, view, coord, log.Mod("console"))
	if err != nil {
		return nil, err
	}

	app := &Appliance{Coordinator: coord, Console: server, View: view, Metrics: metrics}
	app.Add(view, server)
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, metrics, log)
		if err != nil {
			return nil, fmt.Errorf("monitoring: %w", err)
		}
		app.Add(mon)
	}
	app.Add(coord)
	return app, nil
}

func Formats(list []config.Format) []video.Format {
	formats := make([]video.Format, len(list))
	for i, f := range list {
		formats[i] = video.Format{Encoding: f.Encoding, Width: f.Width, Height: f.Height, FPS: f.FPS}
	}
	return formats
}
