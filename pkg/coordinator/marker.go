package coordinator

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/filmbot/appliance/pkg/capture"
)

const maxPayload = 4 << 10

// Marker is the recording signal left by the external scheduler.
type Marker struct {
	Present bool
	// Filename is the optional first line of the marker.
	Filename string
}

// ReadMarker checks the marker at path.
// A marker is present as long as it exists, an unreadable
// payload only loses the filename. A failed check is
// a capture.ErrMarkerUnreadable error.
func ReadMarker(path string) (Marker, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Marker{}, nil
		}
		return Marker{}, capture.NewError(capture.KindMarkerUnreadable, path, err)
	}
	m := Marker{Present: true}
	if !fi.Mode().IsRegular() {
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return m, nil
	}
	defer func() { _ = f.Close() }()
	line, err := bufio.NewReader(io.LimitReader(f, maxPayload)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return m, nil
	}
	m.Filename = strings.TrimSpace(line)
	return m, nil
}
