package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"driftfocus/internal/config"
	"driftfocus/internal/features"
	"driftfocus/internal/sweep"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
		Long:  "Show or validate the driftfocus configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			cfg := root.cfg
			fmt.Fprintf(out, "Config file: %s\n\n", configPath())
			fmt.Fprintf(out, "Search:\n")
			fmt.Fprintf(out, "  Range: %.3f um, step %.3f um\n", cfg.Search.SearchRangeMicrons, cfg.Search.StepMicrons)
			fmt.Fprintf(out, "  Crop factor: %.2f\n", cfg.Search.CropFactor)
			fmt.Fprintf(out, "  Channel: %q, exposure %.1f ms\n", cfg.Search.Channel, cfg.Search.ExposureMs)
			fmt.Fprintf(out, "  Calibration: %.4f um/px, drift %.3f um/min over %.1f min\n",
				cfg.Search.UmPerPixel, cfg.Search.UmPerMinuteExpectedDrift, cfg.Search.IntervalInMinutesBetweenFrames)
			fmt.Fprintf(out, "Features: %s / %s (max %d)\n", cfg.Features.Detector, cfg.Features.Matcher, cfg.Features.MaxFeatures)
			fmt.Fprintf(out, "Workers: %d, task timeout %s, shutdown timeout %s\n",
				cfg.Processing.Workers, cfg.Processing.TaskTimeout.Std(), cfg.Processing.ShutdownTimeout.Std())
			fmt.Fprintf(out, "Stage: %s %s\n", cfg.Stage.Kind, cfg.Stage.Dir)
			fmt.Fprintf(out, "Database: %s (%s)\n", cfg.Paths.DatabasePath, cfg.Storage.Driver)
			fmt.Fprintf(out, "Server: http %s, grpc %s\n", cfg.Server.HTTPAddr, cfg.Server.GRPCAddr)
			fmt.Fprintf(out, "Log Level: %s\n", cfg.Logging.Level)
			fmt.Fprintf(out, "Log Format: %s\n", cfg.Logging.Format)
			fmt.Fprintf(out, "Log Directory: %s\n", cfg.Logging.LogDir)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the effective configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate(root.cfg); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func configPath() string {
	if p := os.Getenv("DRIFTFOCUS_CONFIG"); p != "" {
		return p
	}
	return "(default) ~/.config/driftfocus/config.json"
}

func validate(cfg *config.Config) error {
	params := cfg.Search.Normalized()
	if _, err := sweep.Plan(params.SearchRangeMicrons, params.StepMicrons, 0); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if _, err := features.NewGoCV(features.Options{
		Detector:    cfg.Features.Detector,
		Matcher:     cfg.Features.Matcher,
		MaxFeatures: cfg.Features.MaxFeatures,
	}); err != nil {
		return err
	}
	switch cfg.Stage.Kind {
	case "", "simulated":
	case "replay", "dropfolder":
		if cfg.Stage.Dir == "" {
			return fmt.Errorf("stage: %s needs stage.dir", cfg.Stage.Kind)
		}
	default:
		return fmt.Errorf("stage: unknown kind %q", cfg.Stage.Kind)
	}
	if cfg.Processing.Workers < 0 {
		return fmt.Errorf("processing: negative workers %d", cfg.Processing.Workers)
	}
	return nil
}
