package pipeline

import (
	"context"
	"errors"

	"driftfocus/internal/drift"
	"driftfocus/internal/frame"
)

type driftEstimator interface {
	EstimateAgainst(ctx context.Context, ref *drift.Features, cand frame.Image) (drift.Sample, error)
}

// estimatorProcessor implements Processor by running drift estimation for a job.
type estimatorProcessor struct {
	est driftEstimator
}

// NewDriftProcessor adapts a drift estimator to the Processor interface.
func NewDriftProcessor(est driftEstimator) Processor {
	return &estimatorProcessor{est: est}
}

func (p *estimatorProcessor) Process(ctx context.Context, job Job) Result {
	if job.Reference == nil {
		return Result{Job: job, Error: errors.New("job has no reference features")}
	}
	s, err := p.est.EstimateAgainst(ctx, job.Reference, job.Candidate)
	return Result{Job: job, Sample: s, Error: err}
}
