package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"driftfocus/internal/drift"
	"driftfocus/internal/frame"
	"driftfocus/internal/logging"
)

var (
	// ErrTaskTimeout marks a job that ran past its allotted time.
	ErrTaskTimeout = errors.New("pipeline: task timed out")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline: stopped")
)

// Job is one drift estimation: the candidate frame captured at sweep
// position Index, compared against the search's reference features.
type Job struct {
	SearchID  string
	Index     int
	Z         float64
	Reference *drift.Features `json:"-"`
	Candidate frame.Image     `json:"-"`
	// Reply receives the Result. It must be buffered so workers never block.
	Reply chan<- Result `json:"-"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Sample   drift.Sample
	Error    error
	Duration time.Duration
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Options configures worker count and per-task timeout.
type Options struct {
	Workers     int
	TaskTimeout time.Duration
}

// DefaultWorkers leaves one core to the acquisition loop.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

type envelope struct {
	ctx context.Context
	job Job
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor   Processor
	log         *slog.Logger
	jobs        chan envelope
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	done        chan struct{}
	taskTimeout time.Duration
	startOnce   sync.Once
	stopOnce    sync.Once
	// sendMu is held shared by Submit while sending and exclusively by Stop
	// while draining, so no job lands in the queue after the final drain.
	sendMu      sync.RWMutex
	mu          sync.Mutex
	subs        map[int]chan Result
	nextSubID   int
}

// New creates a new Pipeline with the given options and processor implementation.
func New(ctx context.Context, opts Options, processor Processor, logger *slog.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor:   processor,
		log:         logger,
		jobs:        make(chan envelope, opts.Workers*2),
		cancel:      cancel,
		done:        make(chan struct{}),
		taskTimeout: opts.TaskTimeout,
		subs:        make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit queues a job, blocking while the queue is full. The job runs under
// ctx: once ctx is done a queued job is answered without being processed.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	case p.jobs <- envelope{ctx: ctx, job: job}:
		return nil
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.wg.Wait()
		// Submitters blocked on a full queue see done and return.
		p.sendMu.Lock()
		p.drain()
		p.sendMu.Unlock()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// drain answers jobs that were queued but never picked up.
func (p *Pipeline) drain() {
	for {
		select {
		case env := <-p.jobs:
			if env.job.Reply != nil {
				env.job.Reply <- Result{Job: env.job, Error: fmt.Errorf("slice %d: %w", env.job.Index, ErrStopped)}
			}
		default:
			return
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.jobs:
			p.run(ctx, id, env)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, env envelope) {
	job := env.job
	start := time.Now()

	var res Result
	if err := env.ctx.Err(); err != nil {
		res = Result{Job: job, Error: fmt.Errorf("slice %d abandoned: %w", job.Index, err)}
	} else {
		logging.LogSliceStart(p.log, job.SearchID, job.Index, job.Z, worker)

		taskCtx, cancel := mergeContext(ctx, env.ctx)
		if p.taskTimeout > 0 {
			var cancelTimeout context.CancelFunc
			taskCtx, cancelTimeout = context.WithTimeout(taskCtx, p.taskTimeout)
			defer cancelTimeout()
		}
		defer cancel()

		res = p.processor.Process(taskCtx, job)
		res.Job = job
		res.Duration = time.Since(start)

		if p.taskTimeout > 0 && (res.Duration > p.taskTimeout || errors.Is(taskCtx.Err(), context.DeadlineExceeded)) {
			res.Error = fmt.Errorf("%w: slice %d took %s (limit %s)", ErrTaskTimeout, job.Index, res.Duration.Round(time.Millisecond), p.taskTimeout)
			res.Sample = drift.Sample{}
		}

		if res.Error != nil {
			logging.LogSliceFailure(p.log, job.SearchID, job.Index, job.Z, res.Duration, res.Error)
		} else {
			logging.LogSliceComplete(p.log, job.SearchID, job.Index, res.Duration, map[string]any{
				"dx":           res.Sample.DX,
				"dy":           res.Sample.DY,
				"good_matches": res.Sample.GoodMatches,
			})
		}
	}

	if job.Reply != nil {
		job.Reply <- res
	}
	p.broadcast(res)
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "search", res.Job.SearchID, "slice", res.Job.Index)
		}
	}
}
