package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Appliance is the part of the appliance config.json
// (written by the setup wizard) the console cares about.
type Appliance struct {
	Devices struct {
		VideoDevice string `json:"video_device"`
		AudioDevice string `json:"audio_device"`
	} `json:"devices"`
}

func LoadAppliance(path string) (Appliance, error) {
	var a Appliance
	data, err := os.ReadFile(path)
	if err != nil {
		return a, fmt.Errorf("appliance: %w", err)
	}
	if err = json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("appliance: %s: %w", path, err)
	}
	return a, nil
}

func (d *Devices) merge(path string) error {
	a, err := LoadAppliance(path)
	if err != nil {
		return err
	}
	if a.Devices.VideoDevice != "" {
		d.Video = a.Devices.VideoDevice
	}
	if a.Devices.AudioDevice != "" {
		d.Audio = a.Devices.AudioDevice
	}
	return nil
}
