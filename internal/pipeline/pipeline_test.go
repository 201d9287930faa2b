package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"driftfocus/internal/drift"
	"driftfocus/internal/frame"

	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	calls atomic.Int32
	delay func(job Job) time.Duration
	err   error
}

func (s *stubProcessor) Process(ctx context.Context, job Job) Result {
	s.calls.Add(1)
	if s.delay != nil {
		select {
		case <-time.After(s.delay(job)):
		case <-ctx.Done():
			return Result{Job: job, Error: ctx.Err()}
		}
	}
	return Result{Job: job, Sample: drift.Sample{DX: float64(job.Index)}, Error: s.err}
}

func TestPipelineDeliversEveryResult(t *testing.T) {
	proc := &stubProcessor{delay: func(job Job) time.Duration {
		return time.Duration(10-job.Index) * time.Millisecond
	}}
	p := New(context.Background(), Options{Workers: 3}, proc, nil)
	defer p.Stop()

	reply := make(chan Result, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), Job{SearchID: "s", Index: i, Reply: reply}))
	}

	seen := make(map[int]float64)
	for i := 0; i < 10; i++ {
		select {
		case res := <-reply:
			require.NoError(t, res.Error)
			seen[res.Job.Index] = res.Sample.DX
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for results, got %d", len(seen))
		}
	}
	require.Len(t, seen, 10)
	for i := 0; i < 10; i++ {
		require.Equal(t, float64(i), seen[i])
	}
	require.EqualValues(t, 10, proc.calls.Load())
}

func TestPipelineMarksSlowTasks(t *testing.T) {
	proc := &stubProcessor{delay: func(Job) time.Duration { return 200 * time.Millisecond }}
	p := New(context.Background(), Options{Workers: 1, TaskTimeout: 20 * time.Millisecond}, proc, nil)
	defer p.Stop()

	reply := make(chan Result, 1)
	require.NoError(t, p.Submit(context.Background(), Job{Index: 4, Reply: reply}))

	res := <-reply
	require.ErrorIs(t, res.Error, ErrTaskTimeout)
	require.Zero(t, res.Sample.DX)
}

func TestPipelineSkipsAbandonedJobs(t *testing.T) {
	proc := &stubProcessor{}
	p := New(context.Background(), Options{Workers: 1}, proc, nil)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply := make(chan Result, 1)
	p.jobs <- envelope{ctx: ctx, job: Job{Index: 1, Reply: reply}}

	res := <-reply
	require.ErrorIs(t, res.Error, context.Canceled)
	require.Zero(t, proc.calls.Load())
}

func TestPipelineBroadcastsToSubscribers(t *testing.T) {
	boom := errors.New("boom")
	p := New(context.Background(), Options{Workers: 2}, &stubProcessor{err: boom}, nil)
	defer p.Stop()

	sub, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(context.Background(), Job{SearchID: "abc", Index: 2}))
	select {
	case res := <-sub:
		require.Equal(t, "abc", res.Job.SearchID)
		require.ErrorIs(t, res.Error, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), Options{Workers: 1}, &stubProcessor{}, nil)
	sub, _ := p.Subscribe()
	p.Stop()

	require.ErrorIs(t, p.Submit(context.Background(), Job{}), ErrStopped)
	_, ok := <-sub
	require.False(t, ok)
}

func TestDriftProcessorRequiresReference(t *testing.T) {
	proc := NewDriftProcessor(nil)
	res := proc.Process(context.Background(), Job{Index: 1, Candidate: frame.Image{}})
	require.Error(t, res.Error)
}

func TestDefaultWorkersAtLeastOne(t *testing.T) {
	require.GreaterOrEqual(t, DefaultWorkers(), 1)
}

func TestPipelineStopAnswersQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	proc := &stubProcessor{delay: func(Job) time.Duration { <-release; return 0 }}
	p := New(context.Background(), Options{Workers: 1}, proc, nil)

	reply := make(chan Result, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), Job{Index: i, Reply: reply}))
	}
	close(release)
	p.Stop()

	got := 0
	for got < 3 {
		select {
		case <-reply:
			got++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 jobs answered", got)
		}
	}
}

func TestPipelineStopRacesSubmit(t *testing.T) {
	for round := 0; round < 50; round++ {
		p := New(context.Background(), Options{Workers: 1}, &stubProcessor{}, nil)

		reply := make(chan Result, 64)
		var accepted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 8; j++ {
					if err := p.Submit(context.Background(), Job{Index: i*8 + j, Reply: reply}); err != nil {
						if !errors.Is(err, ErrStopped) {
							t.Errorf("submit: %v", err)
						}
						return
					}
					accepted.Add(1)
				}
			}(i)
		}
		p.Stop()
		wg.Wait()

		want := int(accepted.Load())
		for got := 0; got < want; got++ {
			select {
			case <-reply:
			case <-time.After(5 * time.Second):
				t.Fatalf("round %d: only %d of %d accepted jobs answered", round, got, want)
			}
		}
	}
}
