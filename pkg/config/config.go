package config

import (
	"fmt"
	"time"
)

type Config struct {
	Console    Console
	Devices    Devices
	Video      Video
	Audio      Audio
	Marker     Marker
	Monitoring Monitoring
}

type Console struct {
	Debug   bool
	NoColor bool
	Tag     string `default:"fb"`
	// HTTP address of the live view
	Address string `default:":8090"`
	// UI refresh (queue drain) period
	Refresh  time.Duration `default:"40ms"`
	Snapshot struct {
		Width   int `default:"800"`
		Quality int `default:"80"`
	}
}

type Devices struct {
	Video string `default:"/dev/video5"`
	Audio string `default:"hw:2,0"`
	// a directory for advisory lock files shared with the recorder
	LockDir string `default:"/tmp/filmbot/locks"`
	// path to the appliance config.json, its devices section wins
	Appliance string
}

type Format struct {
	Encoding string
	Width    int
	Height   int
	FPS      int
}

func (f Format) String() string { return fmt.Sprintf("%s %dx%d@%d", f.Encoding, f.Width, f.Height, f.FPS) }

type Video struct {
	FPS     int `default:"30"`
	Formats []Format
	Preview struct {
		Width  int `default:"960"`
		Height int `default:"540"`
	}
	ProbeFrames     int           `default:"1"`
	ProbeTimeout    time.Duration `default:"5s"`
	Attempts        int           `default:"3"`
	RetryDelay      time.Duration `default:"1s"`
	MaxReadFailures int           `default:"10"`
	StopTimeout     time.Duration `default:"5s"`
	Ffmpeg          string        `default:"ffmpeg"`
}

type Audio struct {
	Rate        int           `default:"48000"`
	Channels    int           `default:"2"`
	Window      time.Duration `default:"500ms"`
	Interval    time.Duration `default:"100ms"`
	StopTimeout time.Duration `default:"2s"`
	Arecord     string        `default:"arecord"`
}

// Marker policies for an unreadable marker.
const (
	UnreadableLive = "live"
	UnreadableHold = "hold"
)

type Marker struct {
	Path     string        `default:"/tmp/filmbot-recording"`
	Interval time.Duration `default:"1s"`
	// use file system notifications instead of plain polling
	Watch      bool
	Unreadable string `default:"live"`
}

type Monitoring struct {
	Address          string `default:":6601"`
	URLPrefix        string
	MetricEnabled    bool
	ProfilingEnabled bool
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

// DefaultFormats are tried when the config has none:
// compressed first, then the uncompressed fallback.
var DefaultFormats = []Format{
	{Encoding: "mjpeg", Width: 1920, Height: 1080, FPS: 60},
	{Encoding: "yuyv422", Width: 1920, Height: 1080, FPS: 60},
}

// NewConfig reads the config from the path (or the default locations)
// and then the appliance document if there is one.
func NewConfig(path string) (conf Config, err error) {
	if err = LoadConfig(&conf, path); err != nil {
		return conf, fmt.Errorf("config: %w", err)
	}
	if conf.Devices.Appliance != "" {
		if err = conf.Devices.merge(conf.Devices.Appliance); err != nil {
			return conf, err
		}
	}
	conf.fixValues()
	return conf, conf.Validate()
}

func (c *Config) fixValues() {
	if len(c.Video.Formats) == 0 {
		c.Video.Formats = append([]Format(nil), DefaultFormats...)
	}
	for i := range c.Video.Formats {
		if c.Video.Formats[i].FPS == 0 {
			c.Video.Formats[i].FPS = 60
		}
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Video.FPS <= 0:
		return fmt.Errorf("config: bad video fps %v", c.Video.FPS)
	case c.Video.Attempts < 1:
		return fmt.Errorf("config: video attempts should be at least 1")
	case c.Video.Preview.Width <= 0 || c.Video.Preview.Height <= 0:
		return fmt.Errorf("config: bad video preview size %vx%v", c.Video.Preview.Width, c.Video.Preview.Height)
	case c.Video.MaxReadFailures < 1:
		return fmt.Errorf("config: video maxReadFailures should be at least 1")
	case c.Audio.Rate <= 0 || c.Audio.Channels <= 0:
		return fmt.Errorf("config: bad audio format %vHz/%v", c.Audio.Rate, c.Audio.Channels)
	case c.Marker.Path == "":
		return fmt.Errorf("config: no marker path")
	case c.Marker.Unreadable != UnreadableLive && c.Marker.Unreadable != UnreadableHold:
		return fmt.Errorf("config: unknown marker policy %q", c.Marker.Unreadable)
	}
	for _, f := range c.Video.Formats {
		if f.Encoding == "" || f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("config: bad video format [%v]", f)
		}
	}
	return nil
}

// VideoDevice returns the capture card handle.
func (c *Config) VideoDevice() string { return c.Devices.Video }

// AudioDevice returns the microphone ALSA handle.
func (c *Config) AudioDevice() string { return c.Devices.Audio }
