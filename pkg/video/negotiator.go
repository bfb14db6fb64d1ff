package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/device"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/hashicorp/go-multierror"
)

const (
	DefaultProbeFrames  = 1
	DefaultProbeTimeout = 5 * time.Second
)

// Negotiator finds the first format the device actually delivers frames in.
type Negotiator struct {
	opener  Opener
	formats []Format
	probe   int
	timeout time.Duration
	log     *logger.Logger
}

func NewNegotiator(opener Opener, formats []Format, probe int, timeout time.Duration, log *logger.Logger) *Negotiator {
	if probe < 1 {
		probe = DefaultProbeFrames
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Negotiator{opener: opener, formats: formats, probe: probe, timeout: timeout, log: log}
}

func (n *Negotiator) Formats() []Format { return n.formats }

// Negotiate tries the formats in order reopening the device for each one.
// The device of the first format that yields the probe frames is returned
// configured and open. Errors are capture.ErrDeviceUnavailable when the
// device can't be opened or the capture reports it busy, or capture.ErrNoUsableFormat.
func (n *Negotiator) Negotiate(ctx context.Context, h device.Handle) (Device, Format, error) {
	var result *multierror.Error
	for _, f := range n.formats {
		dev, err := n.opener.Open(ctx, h)
		if err != nil {
			return nil, Format{}, capture.NewError(capture.KindDeviceUnavailable, h.String(), err)
		}
		if err = n.try(ctx, dev, f); err == nil {
			n.log.Info().Str("device", h.String()).Msgf("Capture format [%v]", f)
			return dev, f, nil
		}
		_ = dev.Close()
		if ctx.Err() != nil {
			return nil, Format{}, ctx.Err()
		}
		// busy or forbidden, no other format helps
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			return nil, Format{}, err
		}
		n.log.Debug().Err(err).Str("device", h.String()).Msgf("Format [%v] is not usable", f)
		result = multierror.Append(result, fmt.Errorf("%v: %w", f, err))
	}
	return nil, Format{}, capture.NewError(capture.KindNoUsableFormat, h.String(), result.ErrorOrNil())
}

func (n *Negotiator) try(ctx context.Context, dev Device, f Format) error {
	if err := dev.Configure(ctx, f); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	for i := 0; i < n.probe; i++ {
		if _, err := dev.Read(pctx); err != nil {
			return err
		}
	}
	return nil
}
