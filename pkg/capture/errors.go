package capture

import (
	"errors"
	"fmt"
)

// Kind classifies capture failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDeviceUnavailable means the device does not exist or cannot be opened.
	KindDeviceUnavailable
	// KindNoUsableFormat means the device opens but none of the formats yields frames.
	KindNoUsableFormat
	// KindTransientReadFailure is a single failed read, recovered locally.
	KindTransientReadFailure
	// KindMarkerUnreadable means the recording state couldn't be determined.
	KindMarkerUnreadable
	// KindDeviceBusy means the device lease is held by someone else.
	KindDeviceBusy
	// KindStopTimeout means a capture loop didn't release its device in time.
	KindStopTimeout
	// KindStreamDead means the stream exceeded the consecutive read failures limit.
	KindStreamDead
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindDeviceUnavailable:    "device unavailable",
	KindNoUsableFormat:       "no usable format",
	KindTransientReadFailure: "transient read failure",
	KindMarkerUnreadable:     "marker unreadable",
	KindDeviceBusy:           "device busy",
	KindStopTimeout:          "stop timeout",
	KindStreamDead:           "stream dead",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is checks.
var (
	ErrDeviceUnavailable    = &Error{Kind: KindDeviceUnavailable}
	ErrNoUsableFormat       = &Error{Kind: KindNoUsableFormat}
	ErrTransientReadFailure = &Error{Kind: KindTransientReadFailure}
	ErrMarkerUnreadable     = &Error{Kind: KindMarkerUnreadable}
	ErrDeviceBusy           = &Error{Kind: KindDeviceBusy}
	ErrStopTimeout          = &Error{Kind: KindStopTimeout}
	ErrStreamDead           = &Error{Kind: KindStreamDead}
)

// Error is a classified capture failure of some device.
// Terminal errors end the capture loop, the others are informational.
type Error struct {
	Kind     Kind
	Device   string
	Terminal bool
	Err      error
}

func NewError(kind Kind, device string, err error) *Error {
	return &Error{Kind: kind, Device: device, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Device != "" {
		msg = e.Device + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so any
// capture error can be compared with the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal marks the error as terminal.
func (e *Error) Fatal() *Error { e.Terminal = true; return e }

// IsTerminal reports whether err has ended some capture loop.
func IsTerminal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Terminal
}

// KindOf returns the kind of a capture error or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsTerminal returns a terminal copy of err keeping its kind,
// errors of unknown origin are wrapped for the device.
func AsTerminal(err error, device string) *Error {
	var e *Error
	if errors.As(err, &e) {
		c := *e
		if c.Device == "" {
			c.Device = device
		}
		c.Terminal = true
		return &c
	}
	return NewError(KindUnknown, device, err).Fatal()
}
