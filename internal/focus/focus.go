// Package focus runs the sweep-and-compare part of an autofocus search:
// frames are captured one at a time in plan order, drift estimation fans out
// over a worker pipeline, and the slice closest to the reference wins.
package focus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"driftfocus/internal/drift"
	"driftfocus/internal/frame"
	"driftfocus/internal/pipeline"
)

var (
	// ErrFocusSearchFailed means no slice produced a usable drift estimate.
	ErrFocusSearchFailed = errors.New("focus: search failed")
	// ErrWorkerTimeout marks a slice whose estimate did not finish in time.
	ErrWorkerTimeout = pipeline.ErrTaskTimeout
)

// CaptureFunc acquires one frame with the focus motor at z.
type CaptureFunc func(ctx context.Context, z float64) (frame.Image, error)

// Estimator is the part of drift.Estimator the coordinator needs.
type Estimator interface {
	Prepare(ctx context.Context, img frame.Image) (*drift.Features, error)
	EstimateAgainst(ctx context.Context, ref *drift.Features, cand frame.Image) (drift.Sample, error)
}

// Slice is the outcome at one sweep position.
type Slice struct {
	Index  int          `json:"index"`
	Z      float64      `json:"z"`
	Sample drift.Sample `json:"sample"`
	Err    error        `json:"-"`
}

// Usable reports whether the slice competes for best position.
func (s Slice) Usable() bool { return s.Err == nil }

// Magnitude is the drift length, or +Inf for a failed slice.
func (s Slice) Magnitude() float64 {
	if s.Err != nil {
		return math.Inf(1)
	}
	return s.Sample.Magnitude()
}

// SliceError describes why one sweep position has no estimate.
type SliceError struct {
	Index int
	Z     float64
	Err   error
}

func (e *SliceError) Error() string {
	return fmt.Sprintf("slice %d (z=%.3f): %v", e.Index, e.Z, e.Err)
}

func (e *SliceError) Unwrap() error { return e.Err }

// Result is the outcome of a completed search.
type Result struct {
	SearchID  string  `json:"searchId"`
	BestIndex int     `json:"bestIndex"`
	BestZ     float64 `json:"bestZ"`
	// XCorrection and YCorrection are the best slice's drift in pixels,
	// measured reference to candidate.
	XCorrection   float64 `json:"xCorrection"`
	YCorrection   float64 `json:"yCorrection"`
	BestXVariance float64 `json:"bestXVariance"`
	BestYVariance float64 `json:"bestYVariance"`
	// XVariance and YVariance are the spread of DX and DY over all usable
	// slices.
	XVariance float64       `json:"xVariance"`
	YVariance float64       `json:"yVariance"`
	Elapsed   time.Duration `json:"elapsed"`
	Slices    []Slice       `json:"slices"`
}

// Failed returns the slices without an estimate.
func (r *Result) Failed() []Slice {
	var out []Slice
	for _, s := range r.Slices {
		if !s.Usable() {
			out = append(out, s)
		}
	}
	return out
}

// SelectBest returns the index of the slice with the smallest drift
// magnitude. The first one wins ties. ok is false when no slice is usable.
func SelectBest(slices []Slice) (best int, ok bool) {
	best = -1
	min := math.Inf(1)
	for i, s := range slices {
		if m := s.Magnitude(); m < min {
			best, min = i, m
		}
	}
	return best, best >= 0
}

// Spread returns the population variance of DX and DY over usable slices.
func Spread(slices []Slice) (xVar, yVar float64) {
	var xs, ys []float64
	for _, s := range slices {
		if s.Usable() {
			xs = append(xs, s.Sample.DX)
			ys = append(ys, s.Sample.DY)
		}
	}
	if len(xs) == 0 {
		return 0, 0
	}
	_, xVar = drift.PopMeanVariance(xs)
	_, yVar = drift.PopMeanVariance(ys)
	return xVar, yVar
}
