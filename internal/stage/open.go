package stage

import (
	"fmt"
	"log/slog"

	"driftfocus/internal/config"
)

// Open builds the stage described by cfg.Stage.
func Open(cfg *config.Config, logger *slog.Logger) (Stage, error) {
	var s Stage
	switch cfg.Stage.Kind {
	case "", "simulated":
		s = NewSimulated(SimulatedOptions{
			Seed:       1,
			FocusZ:     2,
			DriftX:     1.5,
			DriftY:     -1,
			TiltX:      0.8,
			TiltY:      0.5,
			UmPerPixel: cfg.Search.UmPerPixel,
		})
	case "replay":
		r, err := NewReplay(cfg.Stage.Dir)
		if err != nil {
			return nil, err
		}
		s = r
	case "dropfolder":
		d, err := NewDropFolder(DropFolderOptions{
			Dir:     cfg.Stage.Dir,
			Timeout: cfg.Stage.CaptureTimeout.Std(),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		s = d
	default:
		return nil, fmt.Errorf("unknown stage kind %q", cfg.Stage.Kind)
	}

	if cfg.Stage.MaxCapturesPerSecond > 0 || cfg.Stage.SettleDelay > 0 {
		s = NewThrottled(s, cfg.Stage.MaxCapturesPerSecond, cfg.Stage.SettleDelay.Std())
	}
	return s, nil
}
