package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/frame"
	"driftfocus/internal/imageio"
	"driftfocus/internal/server"
	"driftfocus/internal/storage"
	"driftfocus/internal/sweep"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driftfocus",
		Short: "Feature-based autofocus and drift correction for microscope stages",
		Long: `driftfocus sweeps the focus motor through a Z range, compares every frame
with a reference image and moves the stage to the sharpest, drift-corrected
position.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSearchCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newDriftCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// searchFlags holds the per-run overrides of config.Search.
type searchFlags struct {
	rangeUm    float64
	stepUm     float64
	crop       float64
	channel    string
	exposureMs float64
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.rangeUm, "range", 0, "total Z travel in microns")
	cmd.Flags().Float64Var(&f.stepUm, "step", 0, "distance between focus positions in microns")
	cmd.Flags().Float64Var(&f.crop, "crop", 0, "centered crop factor in [0.01, 1]")
	cmd.Flags().StringVar(&f.channel, "channel", "", "illumination channel used during the sweep")
	cmd.Flags().Float64Var(&f.exposureMs, "exposure", 0, "exposure in milliseconds used during the sweep")
}

// overrides returns the flags the user actually set, keyed like config.Search.
func (f *searchFlags) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			out[key] = v
		}
	}
	set("range", "searchRangeMicrons", f.rangeUm)
	set("step", "stepMicrons", f.stepUm)
	set("crop", "cropFactor", f.crop)
	set("channel", "channel", f.channel)
	set("exposure", "exposureMs", f.exposureMs)
	return out
}

func (f *searchFlags) apply(cmd *cobra.Command, base config.Search) config.Search {
	fl := cmd.Flags()
	if fl.Changed("range") {
		base.SearchRangeMicrons = f.rangeUm
	}
	if fl.Changed("step") {
		base.StepMicrons = f.stepUm
	}
	if fl.Changed("crop") {
		base.CropFactor = f.crop
	}
	if fl.Changed("channel") {
		base.Channel = f.channel
	}
	if fl.Changed("exposure") {
		base.ExposureMs = f.exposureMs
	}
	return base.Normalized()
}

func newSearchCmd(root *Root) *cobra.Command {
	var (
		flags     searchFlags
		reference string
		id        string
		noXY      bool
		noZ       bool
		asJSON    bool
		remote    string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one autofocus search and correct the stage",
		Long: `Sweep Z around the current position, estimate the lateral drift of every
frame against the reference and move the stage to the best focus position.

Examples:
  # Search with the configured stage and reference
  driftfocus search

  # Narrow sweep, measure only
  driftfocus search --range 3 --step 0.2 --no-xy --no-z

  # Ask a running server to search
  driftfocus search --remote 127.0.0.1:8766`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if remote != "" {
				search, err := json.Marshal(flags.overrides(cmd))
				if err != nil {
					return err
				}
				applyXY, applyZ := !noXY, !noZ
				client, err := root.dialFn(remote)
				if err != nil {
					return fmt.Errorf("connect %s: %w", remote, err)
				}
				defer client.Close()
				started, err := client.StartSearch(ctx, server.StartRequest{
					ID:        id,
					Reference: reference,
					Search:    search,
					ApplyXY:   &applyXY,
					ApplyZ:    &applyZ,
					Wait:      true,
				})
				if err != nil {
					return err
				}
				if started.Outcome == nil {
					return fmt.Errorf("search %s %s: %s", started.ID, started.Status, started.Error)
				}
				return printOutcome(out, started.Outcome, asJSON)
			}

			params := flags.apply(cmd, root.cfg.Search)
			sess, err := root.openSession(ctx, params)
			if err != nil {
				return err
			}
			defer sess.Close()

			ref, err := root.reference(reference, sess.stage)
			if err != nil {
				return err
			}
			outcome, err := root.runSearch(ctx, sess, autofocus.Request{
				ID:        id,
				Reference: ref,
				Search:    params,
				Options:   autofocus.Options{ApplyXY: !noXY, ApplyZ: !noZ},
			}, "cli")
			if err != nil {
				return err
			}
			return printOutcome(out, outcome, asJSON)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&reference, "reference", "", "reference image (default: paths.referenceImage or the stage's own)")
	cmd.Flags().StringVar(&id, "id", "", "search id (default: generated)")
	cmd.Flags().BoolVar(&noXY, "no-xy", false, "do not move the XY stage")
	cmd.Flags().BoolVar(&noZ, "no-z", false, "return to the starting Z instead of the best one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a driftfocus server")

	return cmd
}

func printOutcome(w io.Writer, o *autofocus.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	res := o.Result
	fmt.Fprintf(w, "Search %s\n", res.SearchID)
	fmt.Fprintf(w, "  %-5s %9s %9s %9s %11s  %s\n", "slice", "z (um)", "dx (px)", "dy (px)", "good/total", "error")
	for _, s := range res.Slices {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		marker := " "
		if s.Index == res.BestIndex {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-5d %9.3f %9.3f %9.3f %5d/%-5d  %s\n", marker, s.Index, s.Z,
			s.Sample.DX, s.Sample.DY, s.Sample.GoodMatches, s.Sample.TotalMatches, errText)
	}
	fmt.Fprintf(w, "Best Z:      %.3f um (slice %d)\n", res.BestZ, res.BestIndex)
	fmt.Fprintf(w, "Correction:  %.3f, %.3f px\n", res.XCorrection, res.YCorrection)
	fmt.Fprintf(w, "Variance:    %.4f, %.4f px^2\n", res.XVariance, res.YVariance)
	fmt.Fprintf(w, "Stage XY:    %.3f, %.3f -> %.3f, %.3f um\n", o.StartX, o.StartY, o.CorrectedX, o.CorrectedY)
	fmt.Fprintf(w, "Stage Z:     %.3f -> %.3f um\n", o.StartZ, o.FinalZ)
	fmt.Fprintf(w, "Elapsed:     %s\n", res.Elapsed)
	return nil
}

func newPlanCmd(root *Root) *cobra.Command {
	var (
		flags  searchFlags
		center float64
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the focus positions a search would visit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := flags.apply(cmd, root.cfg.Search)
			plan, err := sweep.Plan(params.SearchRangeMicrons, params.StepMicrons, center)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d positions, %.3f um to %.3f um\n", len(plan), plan[0], plan[len(plan)-1])
			for i, z := range plan {
				fmt.Fprintf(out, "%4d %9.3f\n", i, z)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Float64Var(&center, "center", 0, "current Z position in microns")
	return cmd
}

func newDriftCmd(root *Root) *cobra.Command {
	var (
		crop   float64
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "drift <reference> <candidate>",
		Short: "Measure the lateral drift between two images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := imageio.Load(args[0])
			if err != nil {
				return err
			}
			cand, err := imageio.Load(args[1])
			if err != nil {
				return err
			}
			if c := frame.ClampCrop(crop); c < 1 {
				if ref, err = ref.Crop(frame.CenterROI(ref.Width(), ref.Height(), c)); err != nil {
					return err
				}
				if cand, err = cand.Crop(frame.CenterROI(cand.Width(), cand.Height(), c)); err != nil {
					return err
				}
			}

			est, err := root.newEstimator(root.cfg.Search)
			if err != nil {
				return err
			}
			sample, err := est.Estimate(cmd.Context(), ref, cand)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(sample)
			}
			fmt.Fprintf(out, "dx: %.3f px\ndy: %.3f px\n", sample.DX, sample.DY)
			fmt.Fprintf(out, "variance: %.4f, %.4f px^2\n", sample.XVariance, sample.YVariance)
			fmt.Fprintf(out, "matches: %d good of %d\n", sample.GoodMatches, sample.TotalMatches)
			return nil
		},
	}

	cmd.Flags().Float64Var(&crop, "crop", 1, "centered crop factor in [0.01, 1]")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the sample as JSON")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC autofocus server",
		Long: `Start a server that runs searches on request and streams slice progress.

Endpoints:
  GET  /healthz
  POST /searches          start a search
  GET  /searches          recent searches
  GET  /searches/{id}     one search with its slices
  GET  /stream            server-sent slice events
  GET  /ws                websocket slice and search events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg.Server
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPCAddr = grpcAddr
			}

			sess, err := root.openSession(ctx, root.cfg.Search)
			if err != nil {
				return err
			}
			defer sess.Close()

			srv := server.New(server.Options{
				HTTPAddr: cfg.HTTPAddr,
				Defaults: root.cfg.Search,
				Store:    root.store,
				Runner:   sess,
				Progress: sess.coordinator,
				Reference: func(_ context.Context, path string) (frame.Image, error) {
					return root.reference(path, sess.stage)
				},
				Logger: root.log,
			})
			defer srv.Close()

			root.log.Info("server ready",
				"http_addr", cfg.HTTPAddr,
				"grpc_addr", cfg.GRPCAddr,
				"stage", root.cfg.Stage.Kind,
			)
			return root.serveFn(ctx, srv, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: server.httpAddr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address, empty disables (default: server.grpcAddr)")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [search-id]",
		Short: "List recent searches or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("history unavailable: no database")
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				rec, err := root.store.Search(args[0])
				if err != nil {
					return err
				}
				slices, err := root.store.SearchSlices(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(out).Encode(server.SearchDetail{SearchRecord: rec, Slices: slices})
				}
				printRecord(out, rec)
				for _, s := range slices {
					fmt.Fprintf(out, "  %4d %9.3f %9.3f %9.3f %5d/%-5d %s\n",
						s.Index, s.Z, s.DXPixels, s.DYPixels, s.GoodMatches, s.TotalMatches, s.Error)
				}
				return nil
			}

			recs, err := root.store.RecentSearches(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(out).Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No searches recorded")
				return nil
			}
			for _, rec := range recs {
				printRecord(out, rec)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of searches to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printRecord(w io.Writer, rec storage.SearchRecord) {
	line := fmt.Sprintf("%s  %-9s %-5s %s", rec.ID, rec.Status, rec.Source, rec.CreatedAt.Format("2006-01-02 15:04:05"))
	if rec.Summary != nil {
		line += fmt.Sprintf("  z=%.3f corr=(%.3f, %.3f)px", rec.Summary.BestZ, rec.Summary.XCorrection, rec.Summary.YCorrection)
	}
	if rec.Error != "" {
		line += "  error: " + rec.Error
	}
	fmt.Fprintln(w, line)
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("driftfocus %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
			cmd.Printf("Detector: %s, matcher: %s\n", root.cfg.Features.Detector, root.cfg.Features.Matcher)
		},
	}
}
