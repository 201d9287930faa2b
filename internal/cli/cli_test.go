package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/features"
	"driftfocus/internal/focus"
	"driftfocus/internal/frame"
	"driftfocus/internal/imageio"
	"driftfocus/internal/server"
	"driftfocus/internal/stage"
	"driftfocus/internal/storage"
	"driftfocus/internal/sweep"
)

func TestSearchCommandCorrectsAndRecords(t *testing.T) {
	root, sim, store := newTestRoot(t)

	out, err := execute(root, "search", "--range", "1", "--step", "0.5", "--id", "af-cli")
	if err != nil {
		t.Fatalf("search failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Search af-cli") {
		t.Fatalf("expected search header, got:\n%s", out)
	}

	plan, _ := sweep.Plan(1, 0.5, 0)
	if got := len(sim.Captured()); got != len(plan) {
		t.Fatalf("expected %d captures, got %d", len(plan), got)
	}

	rec, err := store.Search("af-cli")
	if err != nil {
		t.Fatalf("search not recorded: %v", err)
	}
	if rec.Status != storage.StatusCompleted || rec.Source != "cli" {
		t.Fatalf("unexpected record %+v", rec)
	}
	slices, err := store.SearchSlices("af-cli")
	if err != nil || len(slices) != len(plan) {
		t.Fatalf("expected %d stored slices, got %d (%v)", len(plan), len(slices), err)
	}
}

func TestSearchCommandJSON(t *testing.T) {
	root, _, _ := newTestRoot(t)

	out, err := execute(root, "search", "--range", "0.1", "--step", "0.5", "--json", "--no-xy")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	var outcome autofocus.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if outcome.Result == nil || len(outcome.Result.Slices) != 1 {
		t.Fatalf("expected one slice, got %+v", outcome.Result)
	}
}

func TestSearchCommandWithoutReference(t *testing.T) {
	root, sim, store := newTestRoot(t)
	root.stageFactory = func(*config.Config, *slog.Logger) (stage.Stage, error) {
		return bareStage{sim}, nil
	}

	_, err := execute(root, "search", "--id", "af-noref")
	if !errors.Is(err, autofocus.ErrNoReference) {
		t.Fatalf("expected ErrNoReference, got %v", err)
	}
	if _, err := store.Search("af-noref"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("search without reference should not be recorded, got %v", err)
	}
}

func TestSearchCommandRecordsFailure(t *testing.T) {
	root, _, store := newTestRoot(t)
	root.stageFactory = func(*config.Config, *slog.Logger) (stage.Stage, error) {
		return stage.NewSimulated(stage.SimulatedOptions{Width: 64, Height: 64, Seed: 3, FailAfter: 1}), nil
	}

	_, err := execute(root, "search", "--range", "1", "--step", "0.5", "--id", "af-fault")
	if !errors.Is(err, stage.ErrHardwareFault) {
		t.Fatalf("expected hardware fault, got %v", err)
	}
	if ExitCode(err) != 3 {
		t.Fatalf("expected exit code 3, got %d", ExitCode(err))
	}
	rec, err := store.Search("af-fault")
	if err != nil || rec.Status != storage.StatusFailed {
		t.Fatalf("expected failed record, got %+v (%v)", rec, err)
	}
}

func TestSearchCommandRewindsReplay(t *testing.T) {
	root, _, store := newTestRoot(t)
	dir := t.TempDir()
	for i, name := range []string{"reference.tif", "frame-01.tif", "frame-02.tif", "frame-03.tif"} {
		if err := imageio.Save(filepath.Join(dir, name), frame.Texture(32, 32, int64(i))); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	replay, err := stage.NewReplay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	root.stageFactory = func(*config.Config, *slog.Logger) (stage.Stage, error) {
		return stage.NewThrottled(replay, 0, 0), nil
	}

	for _, id := range []string{"af-replay-1", "af-replay-2"} {
		if _, err := execute(root, "search", "--range", "1", "--step", "0.5", "--id", id); err != nil {
			t.Fatalf("search %s failed: %v", id, err)
		}
		rec, err := store.Search(id)
		if err != nil || rec.Status != storage.StatusCompleted {
			t.Fatalf("expected %s completed, got %+v (%v)", id, rec, err)
		}
	}
}

func TestSearchCommandRemote(t *testing.T) {
	root, sim, _ := newTestRoot(t)
	client := &fakeRemote{}
	var dialed string
	root.dialFn = func(addr string) (remoteClient, error) {
		dialed = addr
		return client, nil
	}

	out, err := execute(root, "search", "--remote", "scope:8766", "--step", "0.2", "--no-z", "--id", "af-remote")
	if err != nil {
		t.Fatalf("remote search failed: %v", err)
	}
	if dialed != "scope:8766" || !client.closed {
		t.Fatalf("expected dial and close, got %q closed=%v", dialed, client.closed)
	}
	if len(sim.Captured()) != 0 {
		t.Fatalf("remote search must not touch the local stage")
	}
	req := client.req
	if req.ID != "af-remote" || !req.Wait || *req.ApplyZ || !*req.ApplyXY {
		t.Fatalf("unexpected request %+v", req)
	}
	if string(req.Search) != `{"stepMicrons":0.2}` {
		t.Fatalf("expected only changed flags, got %s", req.Search)
	}
	if !strings.Contains(out, "Search af-remote") {
		t.Fatalf("expected outcome, got:\n%s", out)
	}
}

func TestPlanCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)

	out, err := execute(root, "plan", "--range", "0.9", "--step", "0.3", "--center", "-0.05")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if !strings.HasPrefix(lines[0], "4 positions") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	for i, want := range []string{"-0.500", "-0.200", "0.100", "0.400"} {
		if !strings.HasSuffix(lines[i+1], want) {
			t.Fatalf("position %d: expected %s, got %q", i, want, lines[i+1])
		}
	}

	if _, err := execute(root, "plan", "--step", "-1"); !errors.Is(err, sweep.ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
}

func TestDriftCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()
	img := frame.Texture(64, 64, 5)
	refPath := filepath.Join(dir, "ref.tif")
	candPath := filepath.Join(dir, "cand.tif")
	if err := imageio.Save(refPath, img); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := imageio.Save(candPath, img); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := execute(root, "drift", refPath, candPath)
	if err != nil {
		t.Fatalf("drift failed: %v", err)
	}
	if !strings.Contains(out, "dx: 0.000 px") || !strings.Contains(out, "matches: 9 good of 9") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	if _, err := execute(root, "drift", refPath); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestServeCommandWiresServer(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var got config.Server
	root.serveFn = func(ctx context.Context, srv *server.Server, cfg config.Server) error {
		got = cfg
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz returned %d", rec.Code)
		}
		return nil
	}

	if _, err := execute(root, "serve", "--addr", ":9000", "--grpc-addr", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.HTTPAddr != ":9000" || got.GRPCAddr != "" {
		t.Fatalf("flags not applied: %+v", got)
	}
}

func TestHistoryCommand(t *testing.T) {
	root, _, store := newTestRoot(t)
	report := autofocus.Report{
		SearchID: "af-hist",
		Slices: []autofocus.SliceRecord{
			{Index: 0, Z: -0.3, TotalMatches: 20, GoodMatches: 18, DXPixels: 1.25},
			{Index: 1, Z: 0, TotalMatches: 4, Error: "too few"},
		},
		Summary: autofocus.Summary{BestZ: -0.3, XCorrection: 1.25},
	}
	if err := store.ReportSearch(context.Background(), report); err != nil {
		t.Fatalf("report: %v", err)
	}

	out, err := execute(root, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "af-hist") || !strings.Contains(out, "z=-0.300") {
		t.Fatalf("unexpected listing:\n%s", out)
	}

	out, err = execute(root, "history", "af-hist")
	if err != nil {
		t.Fatalf("history detail failed: %v", err)
	}
	if !strings.Contains(out, "too few") {
		t.Fatalf("expected slice errors in detail:\n%s", out)
	}

	if _, err := execute(root, "history", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	root.store = nil
	if _, err := execute(root, "history"); err == nil {
		t.Fatalf("expected error without a store")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	out, err := execute(root, "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, `"searchRangeMicrons": 19`) {
		t.Fatalf("expected search section:\n%s", out)
	}

	if _, err := execute(root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	root.cfg.Features.Detector = "surf"
	if _, err := execute(root, "config", "validate"); !errors.Is(err, features.ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
	root.cfg.Features.Detector = "orb"
	root.cfg.Stage.Kind = "replay"
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected replay without dir to fail")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := execute(root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "driftfocus "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestReferenceUnwrapsStages(t *testing.T) {
	root, sim, _ := newTestRoot(t)

	img, err := root.reference("", stage.NewThrottled(sim, 0, 0))
	if err != nil || img.Empty() {
		t.Fatalf("expected simulated reference through wrapper, got %v", err)
	}

	dir := t.TempDir()
	if err := imageio.Save(filepath.Join(dir, "reference.tif"), frame.Texture(16, 16, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := imageio.Save(filepath.Join(dir, "frame-001.tif"), frame.Texture(16, 16, 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	replay, err := stage.NewReplay(dir)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	img, err = root.reference("", replay)
	if err != nil || img.Width() != 16 {
		t.Fatalf("expected replay reference, got %v", err)
	}

	if _, err := root.reference(filepath.Join(dir, "absent.tif"), sim); err == nil {
		t.Fatalf("expected load error for explicit path")
	}
}

func TestExitCode(t *testing.T) {
	cases := map[error]int{
		nil:                        0,
		errors.New("boom"):         1,
		focus.ErrFocusSearchFailed: 2,
		stage.ErrHardwareFault:     3,
	}
	for err, want := range cases {
		if got := ExitCode(err); got != want {
			t.Fatalf("ExitCode(%v) = %d, want %d", err, got, want)
		}
	}
}

func newTestRoot(t *testing.T) (*Root, *stage.Simulated, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Processing.Workers = 2
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sim := stage.NewSimulated(stage.SimulatedOptions{Width: 64, Height: 64, Seed: 3})
	root := NewRoot(cfg, logger, store)
	root.stageFactory = func(*config.Config, *slog.Logger) (stage.Stage, error) { return sim, nil }
	root.engineFactory = func(config.Features) (features.Engine, error) { return stubEngine{}, nil }
	root.serveFn = func(context.Context, *server.Server, config.Server) error { return nil }
	root.dialFn = func(string) (remoteClient, error) { return nil, errors.New("no network in tests") }
	return root, sim, store
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type bareStage struct{ stage.Stage }

// stubEngine finds the same nine keypoints in every frame and matches them
// one to one, so every estimate is zero drift.
type stubEngine struct{}

func (stubEngine) DetectKeypoints(ctx context.Context, img frame.Image) ([]features.Keypoint, error) {
	var kps []features.Keypoint
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			kps = append(kps, features.Keypoint{X: float64(x * 10), Y: float64(y * 10), Response: 1})
		}
	}
	return kps, nil
}

func (stubEngine) ComputeDescriptors(ctx context.Context, img frame.Image, kps []features.Keypoint) ([]features.Keypoint, features.Descriptors, error) {
	return kps, stubDescriptors(len(kps)), nil
}

func (stubEngine) MatchDescriptors(ctx context.Context, ref, cand features.Descriptors) ([]features.Match, error) {
	n := min(ref.Rows(), cand.Rows())
	matches := make([]features.Match, n)
	for i := range matches {
		matches[i] = features.Match{RefIdx: i, CandIdx: i}
	}
	return matches, nil
}

type stubDescriptors int

func (d stubDescriptors) Rows() int    { return int(d) }
func (d stubDescriptors) Close() error { return nil }

type fakeRemote struct {
	req    server.StartRequest
	closed bool
}

func (f *fakeRemote) StartSearch(ctx context.Context, req server.StartRequest) (server.Started, error) {
	f.req = req
	return server.Started{
		ID:     req.ID,
		Status: storage.StatusCompleted,
		Outcome: &autofocus.Outcome{
			Result: &focus.Result{SearchID: req.ID, Slices: []focus.Slice{{Index: 0}}},
		},
	}, nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}
