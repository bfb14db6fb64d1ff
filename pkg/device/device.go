// Package device models physical capture devices and their ownership.
//
// A device may be used by at most one owner at a time. Inside the process
// the Registry hands out a single Lease per handle; across processes the
// lease is backed by an advisory lock file that an external recorder can
// take as well.
package device

import (
	"strings"
)

// Handle identifies a capture device, e.g. /dev/video5 or hw:2,0.
type Handle string

func (h Handle) String() string { return string(h) }

// LockName makes a file name for the handle lock.
func (h Handle) LockName() string {
	r := strings.NewReplacer("/", "_", ":", "_", ",", "_", " ", "_")
	name := strings.TrimLeft(r.Replace(string(h)), "_")
	if strings.HasPrefix(name, "dev_") {
		name = name[len("dev_"):]
	}
	if name == "" {
		name = "device"
	}
	return name + ".lock"
}

type Kind string

const (
	Video Kind = "video"
	Audio Kind = "audio"
)
