package device

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	DefaultVideo Handle = "/dev/video5"
	DefaultAudio Handle = "hw:2,0"

	probeTimeout = 2 * time.Second
)

// Info is a detected device.
type Info struct {
	Handle Handle `json:"handle"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
}

// Runner runs an external tool and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Detector lists capture devices with v4l2-ctl and arecord.
type Detector struct {
	DevDir string
	Run    Runner
}

func NewDetector() *Detector { return &Detector{DevDir: "/dev", Run: execRunner} }

var (
	cardTypeRe = regexp.MustCompile(`Card type\s*:\s*(.+)`)
	arecordRe  = regexp.MustCompile(`card (\d+):.*?\[(.+?)\].*?device (\d+):`)
)

// Video returns V4L2 devices sorted by path.
// Without any devices it returns the appliance default as a placeholder.
func (d *Detector) Video(ctx context.Context) []Info {
	paths, _ := filepath.Glob(filepath.Join(d.DevDir, "video*"))
	sort.Strings(paths)

	var devices []Info
	for _, path := range paths {
		info := Info{Handle: Handle(path), Kind: Video, Name: "Video Device " + filepath.Base(path)}
		c, cancel := context.WithTimeout(ctx, probeTimeout)
		out, err := d.Run(c, "v4l2-ctl", "--device", path, "--info")
		cancel()
		if err == nil {
			if name := parseCardType(string(out)); name != "" {
				info.Name = name
			}
		}
		devices = append(devices, info)
	}

	if len(devices) == 0 {
		devices = append(devices, Info{Handle: DefaultVideo, Kind: Video, Name: "Default Video Device (not detected)"})
	}
	return devices
}

// Audio returns ALSA capture devices in the hw:card,device form.
func (d *Detector) Audio(ctx context.Context) []Info {
	c, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var devices []Info
	if out, err := d.Run(c, "arecord", "-l"); err == nil {
		devices = parseArecord(string(out))
	}
	if len(devices) == 0 {
		devices = append(devices, Info{Handle: DefaultAudio, Kind: Audio, Name: "Default Audio Device (not detected)"})
	}
	return devices
}

func parseCardType(out string) string {
	if m := cardTypeRe.FindStringSubmatch(out); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// parseArecord reads lines like:
// card 2: Design [Blackmagic Design], device 0: USB Audio [USB Audio]
func parseArecord(out string) (devices []Info) {
	for _, m := range arecordRe.FindAllStringSubmatch(out, -1) {
		card, name, dev := m[1], m[2], m[3]
		devices = append(devices, Info{
			Handle: Handle(fmt.Sprintf("hw:%s,%s", card, dev)),
			Name:   fmt.Sprintf("%s (card %s, device %s)", name, card, dev),
			Kind:   Audio,
		})
	}
	return
}
