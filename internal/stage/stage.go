// Package stage defines the acquisition hardware seen by an autofocus run:
// a focus motor, an XY stage and a camera, plus adapters that implement it.
package stage

import (
	"context"
	"errors"
	"fmt"
	"image"

	"driftfocus/internal/frame"
)

// ErrHardwareFault marks any failure to move or capture. It aborts a search.
var ErrHardwareFault = errors.New("stage: hardware fault")

// Stage drives the focus motor, XY stage and camera. Calls block until the
// hardware has settled.
type Stage interface {
	// CaptureAt moves the focus motor to z and returns one frame.
	CaptureAt(ctx context.Context, z float64) (frame.Image, error)
	XY(ctx context.Context) (x, y float64, err error)
	MoveXY(ctx context.Context, x, y float64) error
	Z(ctx context.Context) (float64, error)
	MoveZ(ctx context.Context, z float64) error
}

// Settings is the imaging configuration swapped in for a sweep.
type Settings struct {
	Channel    string          `json:"channel"`
	ExposureMs float64         `json:"exposureMs"`
	ROI        image.Rectangle `json:"roi"`
}

// Configurable is implemented by stages whose camera settings can be read
// and changed.
type Configurable interface {
	Settings(ctx context.Context) (Settings, error)
	Apply(ctx context.Context, s Settings) error
}

// Wrapper is implemented by stages that decorate another stage.
type Wrapper interface {
	Unwrap() Stage
}

// AsConfigurable finds a Configurable in the wrapper chain of s.
func AsConfigurable(s Stage) (Configurable, bool) {
	for s != nil {
		if c, ok := s.(Configurable); ok {
			return c, true
		}
		w, ok := s.(Wrapper)
		if !ok {
			return nil, false
		}
		s = w.Unwrap()
	}
	return nil, false
}

// Fault tags err as a hardware fault. Context errors pass through unchanged.
func Fault(err error) error {
	if err == nil || errors.Is(err, ErrHardwareFault) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHardwareFault, err)
}
