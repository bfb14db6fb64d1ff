package config

import "github.com/spf13/pflag"

// Flags are the command-line overrides of the config file.
type Flags struct {
	Path        string
	Address     string
	Video       string
	Audio       string
	Marker      string
	Debug       bool
	ListDevices bool
}

func (f *Flags) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Path, "conf", "c", "", "config file or a directory with config.yaml")
	fs.StringVar(&f.Address, "address", "", "live view HTTP address (host:port)")
	fs.StringVar(&f.Video, "video", "", "video capture device, e.g. /dev/video5")
	fs.StringVar(&f.Audio, "audio", "", "audio capture device, e.g. hw:2,0")
	fs.StringVar(&f.Marker, "marker", "", "recording marker path")
	fs.BoolVarP(&f.Debug, "debug", "d", false, "debug logging")
	fs.BoolVar(&f.ListDevices, "list-devices", false, "print capture devices and exit")
}

// Apply puts non-empty flag values over the config.
func (f Flags) Apply(c *Config) {
	if f.Address != "" {
		c.Console.Address = f.Address
	}
	if f.Video != "" {
		c.Devices.Video = f.Video
	}
	if f.Audio != "" {
		c.Devices.Audio = f.Audio
	}
	if f.Marker != "" {
		c.Marker.Path = f.Marker
	}
	if f.Debug {
		c.Console.Debug = true
	}
}
