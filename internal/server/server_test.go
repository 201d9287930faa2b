package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/drift"
	"driftfocus/internal/focus"
	"driftfocus/internal/frame"
	"driftfocus/internal/pipeline"
	"driftfocus/internal/storage"
	"driftfocus/internal/sweep"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubRunner struct {
	mu       sync.Mutex
	requests []autofocus.Request
	store    *storage.Store
	block    chan struct{}
	err      error
}

func (r *stubRunner) Run(ctx context.Context, req autofocus.Request) (*autofocus.Outcome, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	out := &autofocus.Outcome{
		Result: &focus.Result{
			SearchID:    req.ID,
			BestIndex:   1,
			BestZ:       0.3,
			XCorrection: 2,
			YCorrection: -1,
			Slices: []focus.Slice{
				{Index: 0, Z: 0, Sample: drift.Sample{DX: 3, DY: 1, TotalMatches: 40, GoodMatches: 30}},
				{Index: 1, Z: 0.3, Sample: drift.Sample{DX: 2, DY: -1, TotalMatches: 50, GoodMatches: 45}},
			},
		},
		CorrectedX: 9.87,
		CorrectedY: 20.065,
	}
	if err := r.store.ReportSearch(ctx, autofocus.NewReport(out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stubRunner) last() autofocus.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type stubProgress struct {
	mu   sync.Mutex
	subs []chan pipeline.Result
}

func (p *stubProgress) Subscribe() (<-chan pipeline.Result, func()) {
	ch := make(chan pipeline.Result, 8)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch, func() {}
}

func (p *stubProgress) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *stubProgress) publish(res pipeline.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

type fixture struct {
	srv      *Server
	store    *storage.Store
	runner   *stubRunner
	progress *stubProgress
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ref, err := frame.New(2, 2, []uint16{1, 2, 3, 4})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		runner:   &stubRunner{store: store},
		progress: &stubProgress{},
	}
	f.srv = New(Options{
		Defaults: config.DefaultSearch(),
		Store:    store,
		Runner:   f.runner,
		Progress: f.progress,
		Reference: func(ctx context.Context, path string) (frame.Image, error) {
			if path == "missing.tif" {
				return frame.Image{}, errors.New("no such file")
			}
			return ref, nil
		},
	})
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestStartSearchWaitReturnsOutcome(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/searches", `{"id":"af-http","wait":true,"search":{"stepMicrons":0.5},"applyXY":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var started Started
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, "af-http", started.ID)
	require.Equal(t, storage.StatusCompleted, started.Status)
	require.NotNil(t, started.Outcome)
	require.InDelta(t, 0.3, started.Outcome.Result.BestZ, 1e-9)

	req := f.runner.last()
	require.Equal(t, 0.5, req.Search.StepMicrons)
	require.Equal(t, config.DefaultSearch().SearchRangeMicrons, req.Search.SearchRangeMicrons)
	require.False(t, req.Options.ApplyXY)
	require.True(t, req.Options.ApplyZ)

	rec = f.do(t, "GET", "/searches/af-http", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail SearchDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, storage.StatusCompleted, detail.Status)
	require.Equal(t, "http", detail.Source)
	require.Len(t, detail.Slices, 2)
	require.NotNil(t, detail.Summary)
	require.InDelta(t, 9.87, detail.Summary.CorrectedX, 1e-9)

	rec = f.do(t, "GET", "/searches?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.SearchRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestStartSearchBusy(t *testing.T) {
	f := newFixture(t)
	f.runner.block = make(chan struct{})

	rec := f.do(t, "POST", "/searches", `{"id":"first"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, "POST", "/searches", `{"id":"second"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(f.runner.block)
	require.Eventually(t, func() bool {
		r, err := f.store.Search("first")
		return err == nil && r.Status == storage.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.do(t, "POST", "/searches", `{"id":"third","wait":true}`).Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartSearchFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.err = fmt.Errorf("search af-x: %w", focus.ErrFocusSearchFailed)

	rec := f.do(t, "POST", "/searches", `{"id":"af-x","wait":true}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var started Started
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, storage.StatusFailed, started.Status)
	require.Contains(t, started.Error, "search failed")

	r, err := f.store.Search("af-x")
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, r.Status)
	require.NotEmpty(t, r.Error)
}

func TestStartSearchBadRequests(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"malformed":     `{`,
		"search type":   `{"search":{"stepMicrons":"fast"}}`,
		"missing frame": `{"reference":"missing.tif"}`,
		"calibration":   `{"search":{"umPerPixel":0.2}}`,
		"negative step": `{"search":{"stepMicrons":-0.3}}`,
		"tiny step":     `{"search":{"stepMicrons":1e-300}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, "POST", "/searches", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	require.Empty(t, f.runner.requests)
}

func TestStartSearchRejectsOversizedSweep(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/searches", `{"id":"huge","search":{"stepMicrons":1e-9}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "too many positions")

	_, err := f.srv.Submit(context.Background(), "grpc", StartRequest{Search: json.RawMessage(`{"stepMicrons":1e-300}`)})
	require.ErrorIs(t, err, sweep.ErrTooManyPositions)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Empty(t, f.runner.requests)
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()

	_, err := f.srv.Submit(context.Background(), "http", StartRequest{ID: "late"})
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, "POST", "/searches", `{"id":"late"}`).Code)
	require.Empty(t, f.runner.requests)
}

func TestSubmitRacesClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, err := f.srv.Submit(context.Background(), "http", StartRequest{ID: fmt.Sprintf("s%d-%d", i, j)})
				if err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrClosed) {
					t.Errorf("unexpected submit error: %v", err)
				}
			}(j)
		}
		f.srv.Close()
		wg.Wait()
	}
}

func TestGetSearchNotFound(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/searches/nope", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/searches?limit=-1", "").Code)
}

func TestStreamSendsSliceEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// One subscription for the websocket pump, one for this stream.
	require.Eventually(t, func() bool { return f.progress.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	f.progress.publish(pipeline.Result{
		Job:      pipeline.Job{SearchID: "af-s", Index: 3, Z: 0.9},
		Error:    drift.ErrInsufficientMatches,
		Duration: 40 * time.Millisecond,
	})

	reader := bufio.NewReader(resp.Body)
	var line string
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	var ev SliceEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	require.Equal(t, "slice", ev.Type)
	require.Equal(t, "af-s", ev.SearchID)
	require.Equal(t, 3, ev.Index)
	require.Equal(t, int64(40), ev.DurationMs)
	require.NotEmpty(t, ev.Error)
}

func TestWebsocketReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees an event.
	for attempt := 0; ; attempt++ {
		require.Less(t, attempt, 50)
		f.progress.publish(pipeline.Result{Job: pipeline.Job{SearchID: "af-ws", Index: 1}})
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// gorilla marks the connection failed after a read timeout.
				conn.Close()
				conn, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
				require.NoError(t, err)
				continue
			}
			require.NoError(t, err)
		}
		require.True(t, bytes.Contains(data, []byte(`"searchId":"af-ws"`)), string(data))
		return
	}
}

func TestGRPCFocusService(t *testing.T) {
	f := newFixture(t)

	lis := bufconn.Listen(1 << 20)
	gs := f.srv.NewGRPCServer()
	go gs.Serve(lis)
	defer gs.Stop()

	client, err := Dial("passthrough:///bufnet", ClientOptions{
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.Healthy(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := client.StartSearch(ctx, StartRequest{ID: "af-grpc", Wait: true, Search: json.RawMessage(`{"cropFactor":0.5}`)})
	require.NoError(t, err)
	require.Equal(t, storage.StatusCompleted, started.Status)
	require.Equal(t, 0.5, f.runner.last().Search.CropFactor)

	detail, err := client.GetSearch(ctx, "af-grpc")
	require.NoError(t, err)
	require.Equal(t, "grpc", detail.Source)
	require.Len(t, detail.Slices, 2)

	_, err = client.GetSearch(ctx, "missing")
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.StartSearch(ctx, StartRequest{Reference: "missing.tif"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
