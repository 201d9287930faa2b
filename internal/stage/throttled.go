package stage

import (
	"context"
	"time"

	"driftfocus/internal/frame"

	"golang.org/x/time/rate"
)

// Throttled limits how fast frames are requested from the wrapped stage and
// waits a settle delay before each capture.
type Throttled struct {
	Stage
	limiter *rate.Limiter
	settle  time.Duration
}

// NewThrottled wraps s. perSecond <= 0 disables the rate limit.
func NewThrottled(s Stage, perSecond float64, settle time.Duration) *Throttled {
	t := &Throttled{Stage: s, settle: settle}
	if perSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return t
}

func (t *Throttled) Unwrap() Stage { return t.Stage }

func (t *Throttled) CaptureAt(ctx context.Context, z float64) (frame.Image, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return frame.Image{}, err
		}
	}
	if t.settle > 0 {
		timer := time.NewTimer(t.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return frame.Image{}, ctx.Err()
		case <-timer.C:
		}
	}
	return t.Stage.CaptureAt(ctx, z)
}
