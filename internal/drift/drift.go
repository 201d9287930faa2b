// Package drift estimates the lateral displacement between a reference frame
// and a candidate frame from matched image features.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"driftfocus/internal/features"
	"driftfocus/internal/frame"

	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientMatches is returned when no match survives the good-match
// filter, leaving mean and variance undefined.
var ErrInsufficientMatches = errors.New("drift: insufficient good matches")

// Config holds the physical constants behind the good-match bound.
type Config struct {
	UmPerMinute     float64 // expected maximum stage drift speed
	UmPerPixel      float64 // sensor calibration
	IntervalMinutes float64 // time between reference and candidate frames
}

// MaxDisplacement is the largest plausible displacement in pixels.
func (c Config) MaxDisplacement() float64 {
	return c.UmPerMinute / c.UmPerPixel * c.IntervalMinutes
}

// Sample is the drift estimate for one candidate frame.
type Sample struct {
	DX           float64 `json:"dx"`
	DY           float64 `json:"dy"`
	XVariance    float64 `json:"x_variance"`
	YVariance    float64 `json:"y_variance"`
	TotalMatches int     `json:"total_matches"`
	GoodMatches  int     `json:"good_matches"`
}

// Magnitude is the Euclidean length of the mean displacement.
func (s Sample) Magnitude() float64 { return math.Hypot(s.DX, s.DY) }

// Displacement is the vector from a reference keypoint to its matched
// candidate keypoint.
type Displacement struct {
	DX, DY float64
}

// Length returns the Euclidean length in pixels.
func (d Displacement) Length() float64 { return math.Hypot(d.DX, d.DY) }

// Features are the keypoints and descriptors of one frame.
type Features struct {
	Keypoints   []features.Keypoint
	Descriptors features.Descriptors
}

// Close releases the descriptor matrix.
func (f *Features) Close() error {
	if f == nil || f.Descriptors == nil {
		return nil
	}
	return f.Descriptors.Close()
}

// Estimator computes drift samples. It is safe for concurrent use as long as
// the engine is.
type Estimator struct {
	engine features.Engine
	cfg    Config
	log    *slog.Logger
}

// NewEstimator returns an Estimator using engine for feature work.
func NewEstimator(engine features.Engine, cfg Config, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{engine: engine, cfg: cfg, log: logger}
}

// Config returns the estimator's physical constants.
func (e *Estimator) Config() Config { return e.cfg }

// Prepare detects and describes the features of img.
func (e *Estimator) Prepare(ctx context.Context, img frame.Image) (*Features, error) {
	if img.Empty() {
		return nil, frame.ErrEmpty
	}
	kps, err := e.engine.DetectKeypoints(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect keypoints: %w", err)
	}
	described, desc, err := e.engine.ComputeDescriptors(ctx, img, kps)
	if err != nil {
		return nil, fmt.Errorf("compute descriptors: %w", err)
	}
	if desc.Rows() != len(described) {
		desc.Close()
		return nil, fmt.Errorf("descriptor rows %d do not match %d keypoints", desc.Rows(), len(described))
	}
	return &Features{Keypoints: described, Descriptors: desc}, nil
}

// Estimate measures the drift of cand relative to ref.
func (e *Estimator) Estimate(ctx context.Context, ref, cand frame.Image) (Sample, error) {
	rf, err := e.Prepare(ctx, ref)
	if err != nil {
		return Sample{}, fmt.Errorf("reference: %w", err)
	}
	defer rf.Close()
	return e.EstimateAgainst(ctx, rf, cand)
}

// EstimateAgainst measures the drift of cand relative to already extracted
// reference features. ref is only read, so one Features value can be shared
// by concurrent calls.
func (e *Estimator) EstimateAgainst(ctx context.Context, ref *Features, cand frame.Image) (Sample, error) {
	cf, err := e.Prepare(ctx, cand)
	if err != nil {
		return Sample{}, fmt.Errorf("candidate: %w", err)
	}
	defer cf.Close()

	matches, err := e.engine.MatchDescriptors(ctx, ref.Descriptors, cf.Descriptors)
	if err != nil {
		return Sample{}, fmt.Errorf("match descriptors: %w", err)
	}

	disp, err := Displacements(ref.Keypoints, cf.Keypoints, matches)
	if err != nil {
		return Sample{}, err
	}
	s, err := Summarize(disp, e.cfg.MaxDisplacement())
	if err != nil {
		return s, err
	}
	e.log.Debug("drift estimated",
		"dx", s.DX, "dy", s.DY,
		"total_matches", s.TotalMatches,
		"good_matches", s.GoodMatches,
	)
	return s, nil
}

// Displacements converts matches into candidate-minus-reference vectors in
// matcher order. Duplicate reference indices are kept.
func Displacements(ref, cand []features.Keypoint, matches []features.Match) ([]Displacement, error) {
	out := make([]Displacement, 0, len(matches))
	for i, m := range matches {
		if m.RefIdx < 0 || m.RefIdx >= len(ref) || m.CandIdx < 0 || m.CandIdx >= len(cand) {
			return nil, fmt.Errorf("match %d indexes (%d, %d) outside keypoints (%d, %d)",
				i, m.RefIdx, m.CandIdx, len(ref), len(cand))
		}
		r, c := ref[m.RefIdx], cand[m.CandIdx]
		out = append(out, Displacement{DX: c.X - r.X, DY: c.Y - r.Y})
	}
	return out, nil
}

// Summarize keeps the displacements no longer than maxDistance and returns
// their mean and population variance per axis.
func Summarize(disp []Displacement, maxDistance float64) (Sample, error) {
	s := Sample{TotalMatches: len(disp)}
	xs := make([]float64, 0, len(disp))
	ys := make([]float64, 0, len(disp))
	for _, d := range disp {
		if d.Length() <= maxDistance {
			xs = append(xs, d.DX)
			ys = append(ys, d.DY)
		}
	}
	s.GoodMatches = len(xs)
	if s.GoodMatches == 0 {
		return s, fmt.Errorf("%w: 0 of %d matches within %.2f px", ErrInsufficientMatches, s.TotalMatches, maxDistance)
	}
	s.DX, s.XVariance = PopMeanVariance(xs)
	s.DY, s.YVariance = PopMeanVariance(ys)
	return s, nil
}

// PopMeanVariance returns the mean of xs and its population variance (second
// central moment, divided by len(xs)). xs must not be empty.
func PopMeanVariance(xs []float64) (mean, variance float64) {
	mean = stat.Mean(xs, nil)
	variance = stat.MomentAbout(2, xs, mean, nil)
	return mean, math.Max(0, variance)
}
