// Package capture holds the types shared by the video and audio supervisors:
// the per-device capture state and the error taxonomy.
package capture

import "fmt"

type State int32

const (
	Stopped State = iota
	Opening
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Holding tells whether a supervisor in this state may hold its device.
func (s State) Holding() bool { return s == Opening || s == Streaming }

// Status is a State with the reason of the last failure.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason == "" {
		return s.State.String()
	}
	return s.State.String() + " (" + s.Reason + ")"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
