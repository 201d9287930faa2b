package focus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"driftfocus/internal/frame"
	"driftfocus/internal/logging"
	"driftfocus/internal/pipeline"
	"driftfocus/internal/stage"
)

// Options configures the estimation pool.
type Options struct {
	Workers int
	// TaskTimeout bounds a single slice estimate.
	TaskTimeout time.Duration
	// ShutdownTimeout bounds the wait for outstanding estimates once the
	// sweep has been captured. Slices still running are abandoned.
	ShutdownTimeout time.Duration
}

// Coordinator runs focus searches. One Coordinator can serve several
// searches, but captures must not overlap on the same hardware.
type Coordinator struct {
	est      Estimator
	pipe     *pipeline.Pipeline
	shutdown time.Duration
	log      *slog.Logger
}

// NewCoordinator starts the estimation pipeline. Close stops it.
func NewCoordinator(ctx context.Context, est Estimator, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 60 * time.Second
	}
	proc := pipeline.NewDriftProcessor(est)
	return &Coordinator{
		est: est,
		pipe: pipeline.New(ctx, pipeline.Options{
			Workers:     opts.Workers,
			TaskTimeout: opts.TaskTimeout,
		}, proc, logger),
		shutdown: opts.ShutdownTimeout,
		log:      logger,
	}
}

// Subscribe streams every slice result as it completes.
func (c *Coordinator) Subscribe() (<-chan pipeline.Result, func()) {
	return c.pipe.Subscribe()
}

// Close stops the pipeline.
func (c *Coordinator) Close() error {
	c.pipe.Stop()
	return nil
}

// Search captures a frame at every z of plan, in order, and estimates each
// frame's drift against ref. Per-slice failures are recorded in the result.
// A capture failure aborts the search, as does having no usable slice.
func (c *Coordinator) Search(ctx context.Context, searchID string, ref frame.Image, plan []float64, capture CaptureFunc) (*Result, error) {
	start := time.Now()
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: empty sweep plan", ErrFocusSearchFailed)
	}

	refFeatures, err := c.est.Prepare(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("reference features: %w", err)
	}

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan pipeline.Result, len(plan))
	// outstanding counts submitted jobs whose reply has not been read.
	outstanding := 0
	defer func() { release(refFeatures, replies, outstanding) }()

	logging.LogProcessingStep(c.log, searchID, "capture", "started", map[string]any{"positions": len(plan)})
	for i, z := range plan {
		img, err := capture(ctx, z)
		if err != nil {
			return nil, fmt.Errorf("capture slice %d at z=%.3f: %w", i, z, stage.Fault(err))
		}
		job := pipeline.Job{
			SearchID:  searchID,
			Index:     i,
			Z:         z,
			Reference: refFeatures,
			Candidate: img,
			Reply:     replies,
		}
		if err := c.pipe.Submit(searchCtx, job); err != nil {
			return nil, fmt.Errorf("submit slice %d: %w", i, err)
		}
		outstanding++
	}
	logging.LogProcessingStep(c.log, searchID, "capture", "completed", map[string]any{
		"positions":  len(plan),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	slices := make([]Slice, len(plan))
	for i, z := range plan {
		slices[i] = Slice{Index: i, Z: z}
	}
	answered := make([]bool, len(plan))

	timer := time.NewTimer(c.shutdown)
	defer timer.Stop()

gather:
	for outstanding > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			c.log.Warn("abandoning outstanding slices",
				"search", searchID,
				"outstanding", outstanding,
				"timeout", c.shutdown,
			)
			break gather
		case res := <-replies:
			outstanding--
			i := res.Job.Index
			answered[i] = true
			slices[i].Sample = res.Sample
			if res.Error != nil {
				slices[i].Err = &SliceError{Index: i, Z: slices[i].Z, Err: res.Error}
			}
		}
	}
	for i := range slices {
		if !answered[i] {
			slices[i].Err = &SliceError{
				Index: i,
				Z:     slices[i].Z,
				Err:   fmt.Errorf("%w: abandoned after %s", ErrWorkerTimeout, c.shutdown),
			}
		}
	}

	best, ok := SelectBest(slices)
	if !ok {
		errs := make([]error, 0, len(slices))
		for _, s := range slices {
			errs = append(errs, s.Err)
		}
		return nil, fmt.Errorf("%w: no usable slice among %d: %w", ErrFocusSearchFailed, len(slices), errors.Join(errs...))
	}

	xVar, yVar := Spread(slices)
	b := slices[best].Sample
	return &Result{
		SearchID:      searchID,
		BestIndex:     best,
		BestZ:         plan[best],
		XCorrection:   b.DX,
		YCorrection:   b.DY,
		BestXVariance: b.XVariance,
		BestYVariance: b.YVariance,
		XVariance:     xVar,
		YVariance:     yVar,
		Elapsed:       time.Since(start),
		Slices:        slices,
	}, nil
}

// release closes ref once the n jobs still holding it have answered.
func release(ref io.Closer, replies <-chan pipeline.Result, n int) {
	if n == 0 {
		ref.Close()
		return
	}
	go func() {
		for ; n > 0; n-- {
			<-replies
		}
		ref.Close()
	}()
}
