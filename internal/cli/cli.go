package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/drift"
	"driftfocus/internal/features"
	"driftfocus/internal/focus"
	"driftfocus/internal/frame"
	"driftfocus/internal/imageio"
	"driftfocus/internal/server"
	"driftfocus/internal/stage"
	"driftfocus/internal/storage"

	"golang.org/x/sync/errgroup"
)

type stageFactory func(cfg *config.Config, log *slog.Logger) (stage.Stage, error)

type engineFactory func(cfg config.Features) (features.Engine, error)

type serverFunc func(ctx context.Context, srv *server.Server, cfg config.Server) error

type remoteClient interface {
	StartSearch(ctx context.Context, req server.StartRequest) (server.Started, error)
	Close() error
}

type dialFunc func(addr string) (remoteClient, error)

func defaultEngine(cfg config.Features) (features.Engine, error) {
	return features.NewGoCV(features.Options{
		Detector:    cfg.Detector,
		Matcher:     cfg.Matcher,
		MaxFeatures: cfg.MaxFeatures,
	})
}

// defaultServe runs the HTTP and gRPC listeners until one fails or ctx ends.
func defaultServe(ctx context.Context, srv *server.Server, cfg config.Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	if cfg.GRPCAddr != "" {
		g.Go(func() error { return srv.ServeGRPC(ctx, cfg.GRPCAddr) })
	}
	return g.Wait()
}

func defaultDial(addr string) (remoteClient, error) {
	return server.Dial(addr, server.ClientOptions{Insecure: true})
}

// Root wires CLI commands to the stage, the estimator and the store.
type Root struct {
	cfg           *config.Config
	log           *slog.Logger
	store         *storage.Store
	stageFactory  stageFactory
	engineFactory engineFactory
	serveFn       serverFunc
	dialFn        dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:           cfg,
		log:           logger,
		store:         store,
		stageFactory:  stage.Open,
		engineFactory: defaultEngine,
		serveFn:       defaultServe,
		dialFn:        defaultDial,
	}
}

func (r *Root) newEstimator(params config.Search) (*drift.Estimator, error) {
	engine, err := r.engineFactory(r.cfg.Features)
	if err != nil {
		return nil, err
	}
	return drift.NewEstimator(engine, params.Normalized().Drift(), r.log), nil
}

// session is one stage with its estimation pipeline.
type session struct {
	stage       stage.Stage
	coordinator *focus.Coordinator
	controller  *autofocus.Controller
}

func (s *session) Close() error { return s.coordinator.Close() }

type rewinder interface {
	Rewind()
}

// Run rewinds replayed stages so every search sees the recorded sweep from
// its first frame, then runs the controller.
func (s *session) Run(ctx context.Context, req autofocus.Request) (*autofocus.Outcome, error) {
	for st := s.stage; st != nil; {
		if r, ok := st.(rewinder); ok {
			r.Rewind()
			break
		}
		w, ok := st.(stage.Wrapper)
		if !ok {
			break
		}
		st = w.Unwrap()
	}
	return s.controller.Run(ctx, req)
}

func (r *Root) openSession(ctx context.Context, params config.Search) (*session, error) {
	st, err := r.stageFactory(r.cfg, r.log)
	if err != nil {
		return nil, fmt.Errorf("open stage: %w", err)
	}
	est, err := r.newEstimator(params)
	if err != nil {
		return nil, err
	}
	coord := focus.NewCoordinator(ctx, est, focus.Options{
		Workers:         r.cfg.Processing.Workers,
		TaskTimeout:     r.cfg.Processing.TaskTimeout.Std(),
		ShutdownTimeout: r.cfg.Processing.ShutdownTimeout.Std(),
	}, r.log)

	var reporter autofocus.Reporter
	if r.store != nil {
		reporter = r.store
	}
	return &session{
		stage:       st,
		coordinator: coord,
		controller:  autofocus.New(st, coord, reporter, r.log),
	}, nil
}

type referenced interface {
	Reference() frame.Image
}

type replayReferenced interface {
	Reference() (frame.Image, bool, error)
}

// reference resolves the reference frame: an explicit path, then the
// configured path, then whatever the stage can provide.
func (r *Root) reference(path string, st stage.Stage) (frame.Image, error) {
	if path == "" {
		path = r.cfg.Paths.ReferenceImage
	}
	if path != "" {
		img, err := imageio.Load(path)
		if err != nil {
			return frame.Image{}, fmt.Errorf("load reference: %w", err)
		}
		return img, nil
	}

	for s := st; s != nil; {
		switch v := s.(type) {
		case referenced:
			return v.Reference(), nil
		case replayReferenced:
			img, ok, err := v.Reference()
			if err != nil {
				return frame.Image{}, err
			}
			if ok {
				return img, nil
			}
		}
		w, ok := s.(stage.Wrapper)
		if !ok {
			break
		}
		s = w.Unwrap()
	}
	return frame.Image{}, autofocus.ErrNoReference
}

// runSearch records the search lifecycle around one controller run.
func (r *Root) runSearch(ctx context.Context, sess *session, req autofocus.Request, source string) (*autofocus.Outcome, error) {
	if req.ID == "" {
		req.ID = autofocus.NewID()
	}
	params, _ := json.Marshal(req.Search.Normalized())
	if err := r.store.RecordSearchQueued(storage.SearchRecord{ID: req.ID, Source: source, ParamsJSON: string(params)}); err != nil {
		r.log.Warn("record queued search", "search_id", req.ID, "error", err)
	}
	if err := r.store.RecordSearchStart(req.ID); err != nil {
		r.log.Warn("record search start", "search_id", req.ID, "error", err)
	}
	out, err := sess.Run(ctx, req)
	if err != nil {
		if rerr := r.store.RecordSearchFailed(req.ID, err); rerr != nil {
			r.log.Warn("record search failure", "search_id", req.ID, "error", rerr)
		}
		return nil, err
	}
	return out, nil
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, stage.ErrHardwareFault):
		return 3
	case errors.Is(err, focus.ErrFocusSearchFailed):
		return 2
	default:
		return 1
	}
}
