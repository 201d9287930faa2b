// Command test-integration runs a complete autofocus against the simulated
// stage with the real OpenCV engine and a throwaway database, then prints
// what was stored.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"driftfocus/internal/autofocus"
	"driftfocus/internal/config"
	"driftfocus/internal/drift"
	"driftfocus/internal/features"
	"driftfocus/internal/focus"
	"driftfocus/internal/logging"
	"driftfocus/internal/stage"
	"driftfocus/internal/storage"
)

func main() {
	fmt.Println("Testing simulated stage + OpenCV autofocus")

	dir, err := os.MkdirTemp("", "driftfocus-integration")
	if err != nil {
		log.Fatal("Failed to create temp dir:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	logger := logging.New("info", "text")
	params := config.DefaultSearch()
	params.SearchRangeMicrons = 3
	params.StepMicrons = 0.25

	sim := stage.NewSimulated(stage.SimulatedOptions{
		Width:         400,
		Height:        300,
		Seed:          7,
		FocusZ:        0.5,
		BlurPerMicron: 1.5,
		DriftX:        5,
		DriftY:        -3,
		TiltX:         3,
		TiltY:         2,
		UmPerPixel:    params.UmPerPixel,
	})

	engine, err := features.NewGoCV(features.Options{Detector: features.DetectorORB, Matcher: features.MatcherBruteForce})
	if err != nil {
		log.Fatal("Failed to create feature engine:", err)
	}
	est := drift.NewEstimator(engine, params.Drift(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	coord := focus.NewCoordinator(ctx, est, focus.Options{TaskTimeout: 30 * time.Second}, logger)
	defer coord.Close()

	results, unsubscribe := coord.Subscribe()
	defer unsubscribe()
	go func() {
		for res := range results {
			status := "ok"
			if res.Error != nil {
				status = res.Error.Error()
			}
			fmt.Printf("Slice %2d z=%6.2f dx=%7.2f dy=%7.2f (%s)\n",
				res.Job.Index, res.Job.Z, res.Sample.DX, res.Sample.DY, status)
		}
	}()

	ctrl := autofocus.New(sim, coord, store, logger)
	out, err := ctrl.Run(ctx, autofocus.Request{
		ID:        "integration",
		Reference: sim.Reference(),
		Search:    params,
		Options:   autofocus.DefaultOptions(),
	})
	if err != nil {
		log.Fatal("Autofocus failed:", err)
	}

	rec, err := store.Search("integration")
	if err != nil {
		log.Fatal("Search not stored:", err)
	}
	fmt.Printf("\nStored search %s: %s\n", rec.ID, rec.Status)
	fmt.Printf("   Best Z: %.3f um (expected %.3f)\n", out.Result.BestZ, 0.5)
	fmt.Printf("   Correction: %.2f, %.2f px\n", out.Result.XCorrection, out.Result.YCorrection)
	fmt.Printf("   Stage XY now: %.3f, %.3f um\n", out.CorrectedX, out.CorrectedY)

	after, err := sim.CaptureAt(ctx, out.FinalZ)
	if err != nil {
		log.Fatal("Capture after correction failed:", err)
	}
	residual, err := est.Estimate(ctx, sim.Reference(), after)
	if err != nil {
		log.Fatal("Residual estimate failed:", err)
	}
	fmt.Printf("   Residual drift: %.2f px\n", residual.Magnitude())
}
