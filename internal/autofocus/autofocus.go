// Package autofocus runs one complete autofocus operation against a stage:
// swap in sweep settings, sweep and compare, correct XY and Z, restore
// settings, report.
package autofocus

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"time"

	"driftfocus/internal/config"
	"driftfocus/internal/focus"
	"driftfocus/internal/frame"
	"driftfocus/internal/logging"
	"driftfocus/internal/stage"
	"driftfocus/internal/sweep"
)

// ErrNoReference is returned when a run is started without a reference frame.
var ErrNoReference = errors.New("autofocus: reference frame required")

// Searcher is satisfied by *focus.Coordinator.
type Searcher interface {
	Search(ctx context.Context, searchID string, ref frame.Image, plan []float64, capture focus.CaptureFunc) (*focus.Result, error)
}

// Options controls what is done with the answer.
type Options struct {
	// ApplyXY moves the XY stage to the corrected position.
	ApplyXY bool
	// ApplyZ leaves the focus motor at the best Z. Otherwise it returns to
	// where the run started.
	ApplyZ bool
}

// DefaultOptions applies both corrections.
func DefaultOptions() Options { return Options{ApplyXY: true, ApplyZ: true} }

// Request describes one run.
type Request struct {
	ID        string
	Reference frame.Image
	Search    config.Search
	Options   Options
}

// Outcome is the result of a run. Stage coordinates are in microns.
type Outcome struct {
	Result             *focus.Result `json:"result"`
	StartX             float64       `json:"startX"`
	StartY             float64       `json:"startY"`
	StartZ             float64       `json:"startZ"`
	XCorrectionMicrons float64       `json:"xCorrectionMicrons"`
	YCorrectionMicrons float64       `json:"yCorrectionMicrons"`
	CorrectedX         float64       `json:"correctedX"`
	CorrectedY         float64       `json:"correctedY"`
	FinalZ             float64       `json:"finalZ"`
}

// Controller runs autofocus operations on one stage. Runs must not overlap.
type Controller struct {
	stage    stage.Stage
	search   Searcher
	reporter Reporter
	log      *slog.Logger
}

// New returns a Controller. reporter may be nil.
func New(st stage.Stage, search Searcher, reporter Reporter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{stage: st, search: search, reporter: reporter, log: logger}
}

// Run performs one autofocus operation. On failure no Outcome is returned;
// the stage settings are restored either way.
func (c *Controller) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	if req.Reference.Empty() {
		return nil, ErrNoReference
	}
	params := req.Search.Normalized()
	id := req.ID
	if id == "" {
		id = NewID()
	}

	defer func() {
		if err != nil {
			logging.LogSearchError(c.log, id, time.Since(start), err, map[string]any{
				"range_um": params.SearchRangeMicrons,
				"step_um":  params.StepMicrons,
			})
		}
	}()

	startZ, err := c.stage.Z(ctx)
	if err != nil {
		return nil, fmt.Errorf("read z: %w", stage.Fault(err))
	}
	startX, startY, err := c.stage.XY(ctx)
	if err != nil {
		return nil, fmt.Errorf("read xy: %w", stage.Fault(err))
	}

	plan, err := sweep.Plan(params.SearchRangeMicrons, params.StepMicrons, startZ)
	if err != nil {
		return nil, err
	}
	logging.LogSearchStart(c.log, id, len(plan), plan[0], plan[len(plan)-1], map[string]any{
		"crop":        params.CropFactor,
		"channel":     params.Channel,
		"exposure_ms": params.ExposureMs,
		"max_px":      params.Drift().MaxDisplacement(),
	})

	softCrop, restore, err := c.acquire(ctx, params)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := restore(); rerr != nil {
			out, err = nil, errors.Join(err, rerr)
		}
	}()

	ref := req.Reference
	if params.CropFactor < 1 {
		ref, err = ref.Crop(frame.CenterROI(ref.Width(), ref.Height(), params.CropFactor))
		if err != nil {
			return nil, fmt.Errorf("crop reference: %w", err)
		}
	}

	capture := func(ctx context.Context, z float64) (frame.Image, error) {
		img, err := c.stage.CaptureAt(ctx, z)
		if err != nil || !softCrop {
			return img, err
		}
		return img.Crop(frame.CenterROI(img.Width(), img.Height(), params.CropFactor))
	}

	res, err := c.search.Search(ctx, id, ref, plan, capture)
	if err != nil {
		return nil, err
	}

	out = &Outcome{
		Result:             res,
		StartX:             startX,
		StartY:             startY,
		StartZ:             startZ,
		XCorrectionMicrons: res.XCorrection * params.UmPerPixel,
		YCorrectionMicrons: res.YCorrection * params.UmPerPixel,
		FinalZ:             startZ,
	}
	out.CorrectedX = startX - out.XCorrectionMicrons
	out.CorrectedY = startY - out.YCorrectionMicrons

	if req.Options.ApplyXY {
		if err := c.stage.MoveXY(ctx, out.CorrectedX, out.CorrectedY); err != nil {
			return nil, fmt.Errorf("move xy: %w", stage.Fault(err))
		}
	}
	if req.Options.ApplyZ {
		out.FinalZ = res.BestZ
	}
	if err := c.stage.MoveZ(ctx, out.FinalZ); err != nil {
		return nil, fmt.Errorf("move z: %w", stage.Fault(err))
	}

	if c.reporter != nil {
		if rerr := c.reporter.ReportSearch(ctx, NewReport(out)); rerr != nil {
			c.log.Warn("search report not persisted", "search", id, "error", rerr)
		}
	}

	logging.LogSearchComplete(c.log, id, time.Since(start), map[string]any{
		"best_index":  res.BestIndex,
		"best_z":      res.BestZ,
		"x_corr_px":   res.XCorrection,
		"y_corr_px":   res.YCorrection,
		"corrected_x": out.CorrectedX,
		"corrected_y": out.CorrectedY,
		"failed":      len(res.Failed()),
	})
	return out, nil
}

// acquire applies the sweep settings and returns the function restoring the
// previous ones. softCrop reports that frames must be cropped after capture
// because the camera ROI could not be narrowed.
func (c *Controller) acquire(ctx context.Context, params config.Search) (softCrop bool, restore func() error, err error) {
	noop := func() error { return nil }
	softCrop = params.CropFactor < 1

	cfg, ok := stage.AsConfigurable(c.stage)
	if !ok {
		if params.Channel != "" {
			c.log.Warn("stage cannot switch channel", "channel", params.Channel)
		}
		return softCrop, noop, nil
	}

	prior, err := cfg.Settings(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("read settings: %w", stage.Fault(err))
	}
	next := prior
	if params.Channel != "" {
		next.Channel = params.Channel
	}
	next.ExposureMs = params.ExposureMs
	if softCrop && !prior.ROI.Empty() {
		next.ROI = frame.CenterROI(prior.ROI.Dx(), prior.ROI.Dy(), params.CropFactor).Add(prior.ROI.Min)
		softCrop = false
	}

	if err := cfg.Apply(ctx, next); err != nil {
		// Apply may have changed some settings before failing.
		if rerr := cfg.Apply(context.WithoutCancel(ctx), prior); rerr != nil {
			c.log.Error("settings not restored", "error", rerr)
		}
		return false, nil, fmt.Errorf("apply sweep settings: %w", stage.Fault(err))
	}
	c.log.Debug("sweep settings applied",
		"channel", next.Channel,
		"exposure_ms", next.ExposureMs,
		"roi", roiString(next.ROI),
	)

	return softCrop, func() error {
		if err := cfg.Apply(context.WithoutCancel(ctx), prior); err != nil {
			return fmt.Errorf("restore settings: %w", stage.Fault(err))
		}
		return nil
	}, nil
}

// NewID returns a search id such as "af-20260102T150405-0042".
func NewID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("af-%s-%04d", ts, rand.Intn(10000))
}

func roiString(r image.Rectangle) string {
	if r.Empty() {
		return "full"
	}
	return r.String()
}
