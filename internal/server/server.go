// Package server exposes autofocus searches over HTTP, websocket and gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/drift"
	"driftfocus/internal/focus"
	"driftfocus/internal/frame"
	"driftfocus/internal/pipeline"
	"driftfocus/internal/stage"
	"driftfocus/internal/storage"
	"driftfocus/internal/sweep"

	"github.com/gorilla/mux"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned while another search holds the stage.
	ErrBusy = errors.New("server: stage busy")
	// ErrClosed is returned by Submit once Close has begun.
	ErrClosed = errors.New("server: shutting down")
	// ErrInvalidRequest marks a request the caller must fix.
	ErrInvalidRequest = errors.New("server: invalid request")
)

// Runner executes one autofocus search.
type Runner interface {
	Run(ctx context.Context, req autofocus.Request) (*autofocus.Outcome, error)
}

// Progress publishes per-slice estimation results.
type Progress interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// ReferenceSource resolves the reference frame of a request. An empty path
// selects the configured default.
type ReferenceSource func(ctx context.Context, path string) (frame.Image, error)

// Options wires a Server.
type Options struct {
	HTTPAddr  string
	Defaults  config.Search
	Store     *storage.Store
	Runner    Runner
	Progress  Progress
	Reference ReferenceSource
	Logger    *slog.Logger
}

// StartRequest is the body of POST /searches. Search holds a partial
// config.Search merged over the server defaults.
type StartRequest struct {
	ID        string          `json:"id,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Search    json.RawMessage `json:"search,omitempty"`
	ApplyXY   *bool           `json:"applyXY,omitempty"`
	ApplyZ    *bool           `json:"applyZ,omitempty"`
	Wait      bool            `json:"wait,omitempty"`
}

// Started reports an accepted search. Outcome is set only for waited
// searches that succeeded.
type Started struct {
	ID      string             `json:"id"`
	Status  string             `json:"status"`
	Outcome *autofocus.Outcome `json:"outcome,omitempty"`
	Error   string             `json:"error,omitempty"`

	err error
}

// SliceEvent is one finished slice estimate.
type SliceEvent struct {
	Type       string       `json:"type"`
	SearchID   string       `json:"searchId"`
	Index      int          `json:"index"`
	Z          float64      `json:"z"`
	Sample     drift.Sample `json:"sample"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"durationMs"`
}

// SearchEvent is a search status change.
type SearchEvent struct {
	Type     string             `json:"type"`
	SearchID string             `json:"searchId"`
	Status   string             `json:"status"`
	Summary  *autofocus.Summary `json:"summary,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// SearchDetail is the body of GET /searches/{id}.
type SearchDetail struct {
	storage.SearchRecord
	Slices []autofocus.SliceRecord `json:"slices"`
}

// Server serves the HTTP API. One search runs at a time.
type Server struct {
	opts   Options
	log    *slog.Logger
	hw     *semaphore.Weighted
	hub    *Hub
	router *mux.Router
	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// mu orders wg.Add in Submit against Close.
	mu     sync.Mutex
	closed bool
}

// New builds a Server and starts its event fan-out. Close releases it.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		log:    logger,
		hw:     semaphore.NewWeighted(1),
		hub:    newHub(logger),
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run(ctx)
	}()
	if opts.Progress != nil {
		results, unsubscribe := opts.Progress.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsubscribe()
			s.pump(ctx, results)
		}()
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
		s.Close()
	}()

	s.log.Info("Server starting", "addr", s.opts.HTTPAddr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close cancels running searches and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/searches", s.handleListSearches).Methods("GET")
	r.HandleFunc("/searches", s.handleStartSearch).Methods("POST")
	r.HandleFunc("/searches/{id}", s.handleGetSearch).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.serveWS(s.ctx, w, r)
	})
}

// Submit validates req, takes the stage and runs the search. With Wait set
// it blocks until the search finishes; otherwise it returns once queued.
func (s *Server) Submit(ctx context.Context, source string, req StartRequest) (Started, error) {
	if s.opts.Runner == nil {
		return Started{}, errors.New("server: no runner configured")
	}
	if s.isClosed() {
		return Started{}, ErrClosed
	}
	params, err := req.params(s.opts.Defaults)
	if err != nil {
		return Started{}, err
	}
	if s.opts.Reference == nil {
		return Started{}, fmt.Errorf("%w: no reference source", ErrInvalidRequest)
	}
	ref, err := s.opts.Reference(ctx, req.Reference)
	if err != nil {
		return Started{}, fmt.Errorf("%w: reference: %v", ErrInvalidRequest, err)
	}
	if !s.hw.TryAcquire(1) {
		return Started{}, ErrBusy
	}

	id := req.ID
	if id == "" {
		id = autofocus.NewID()
	}
	opts := autofocus.DefaultOptions()
	if req.ApplyXY != nil {
		opts.ApplyXY = *req.ApplyXY
	}
	if req.ApplyZ != nil {
		opts.ApplyZ = *req.ApplyZ
	}
	paramsJSON, _ := json.Marshal(params)
	if err := s.opts.Store.RecordSearchQueued(storage.SearchRecord{ID: id, Source: source, ParamsJSON: string(paramsJSON)}); err != nil {
		s.log.Warn("record queued search", "search_id", id, "error", err)
	}
	s.hub.Publish(SearchEvent{Type: "search", SearchID: id, Status: storage.StatusQueued})

	run := func(ctx context.Context) Started {
		defer s.hw.Release(1)
		if err := s.opts.Store.RecordSearchStart(id); err != nil {
			s.log.Warn("record search start", "search_id", id, "error", err)
		}
		s.hub.Publish(SearchEvent{Type: "search", SearchID: id, Status: storage.StatusRunning})

		out, err := s.opts.Runner.Run(ctx, autofocus.Request{ID: id, Reference: ref, Search: params, Options: opts})
		if err != nil {
			if rerr := s.opts.Store.RecordSearchFailed(id, err); rerr != nil {
				s.log.Warn("record search failure", "search_id", id, "error", rerr)
			}
			s.hub.Publish(SearchEvent{Type: "search", SearchID: id, Status: storage.StatusFailed, Error: err.Error()})
			return Started{ID: id, Status: storage.StatusFailed, Error: err.Error(), err: err}
		}
		summary := autofocus.NewReport(out).Summary
		s.hub.Publish(SearchEvent{Type: "search", SearchID: id, Status: storage.StatusCompleted, Summary: &summary})
		return Started{ID: id, Status: storage.StatusCompleted, Outcome: out}
	}

	if req.Wait {
		return run(ctx), nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.hw.Release(1)
		if rerr := s.opts.Store.RecordSearchFailed(id, ErrClosed); rerr != nil {
			s.log.Warn("record search failure", "search_id", id, "error", rerr)
		}
		return Started{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		run(s.ctx)
	}()
	return Started{ID: id, Status: storage.StatusQueued}, nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (req StartRequest) params(defaults config.Search) (config.Search, error) {
	params := defaults
	if len(req.Search) > 0 {
		if err := json.Unmarshal(req.Search, &params); err != nil {
			return params, fmt.Errorf("%w: search: %v", ErrInvalidRequest, err)
		}
	}
	params = params.Normalized()
	if _, err := sweep.Count(params.SearchRangeMicrons, params.StepMicrons); err != nil {
		return params, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// The estimator's good-match bound is built once at startup.
	if params.Drift() != defaults.Normalized().Drift() {
		return params, fmt.Errorf("%w: drift calibration is fixed by the server configuration", ErrInvalidRequest)
	}
	return params, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStartSearch(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	started, err := s.Submit(r.Context(), "http", req)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
		if started.err != nil {
			code = httpStatus(started.err)
		}
	}
	writeJSON(w, code, started)
}

func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.opts.Store.RecentSearches(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.SearchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	detail, err := s.detail(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) detail(id string) (SearchDetail, error) {
	if s.opts.Store == nil {
		return SearchDetail{}, storage.ErrNotFound
	}
	rec, err := s.opts.Store.Search(id)
	if err != nil {
		return SearchDetail{}, err
	}
	slices, err := s.opts.Store.SearchSlices(id)
	if err != nil {
		return SearchDetail{}, err
	}
	if slices == nil {
		slices = []autofocus.SliceRecord{}
	}
	return SearchDetail{SearchRecord: rec, Slices: slices}, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Progress == nil {
		http.Error(w, "progress unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.opts.Progress.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(sliceEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) pump(ctx context.Context, results <-chan pipeline.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			s.hub.Publish(sliceEvent(res))
		}
	}
}

func sliceEvent(res pipeline.Result) SliceEvent {
	ev := SliceEvent{
		Type:       "slice",
		SearchID:   res.Job.SearchID,
		Index:      res.Job.Index,
		Z:          res.Job.Z,
		Sample:     res.Sample,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, focus.ErrFocusSearchFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stage.ErrHardwareFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
