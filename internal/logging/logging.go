package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"driftfocus/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with file output and rotation
func Setup(cfg *config.Config) (*slog.Logger, error) {
	// Parse log level
	level := parseLevel(cfg.Logging.Level)

	// Create log directory
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	// stderr keeps stdout clean for command output (plan, history --json)
	writers := []io.Writer{os.Stderr}

	// Add file output if enabled
	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("driftfocus-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}

		writers = append(writers, file)

		// Create a symlink for the current log
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "driftfocus-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(multiWriter, level)
	}

	slogLogger := slog.New(handler)

	// Set as default logger
	slog.SetDefault(slogLogger)

	// Log startup information
	slogLogger.Info("driftfocus logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "2006/01/02 15:04:05 [INFO] message [key=value ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
}

// NewTraditionalHandler writes records to w at or above level.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append([]string(nil), h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]string(nil), h.attrs...), formatAttrs(attrs)...)
	return &next
}

// WithGroup is a no-op; keys are printed flat.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func formatAttrs(attrs []slog.Attr) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogSearchStart logs the beginning of a focus search.
func LogSearchStart(logger *slog.Logger, searchID string, positions int, startZ, endZ float64, options map[string]any) {
	logger.Info("focus search started",
		"id", searchID,
		"positions", positions,
		"start_z", startZ,
		"end_z", endZ,
		"options", options,
	)
}

// LogSearchComplete logs a finished focus search.
func LogSearchComplete(logger *slog.Logger, searchID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("focus search completed",
		"id", searchID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogSearchError logs a failed focus search.
func LogSearchError(logger *slog.Logger, searchID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("focus search failed",
		"id", searchID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogSliceStart logs a worker picking up one sweep position.
func LogSliceStart(logger *slog.Logger, searchID string, index int, z float64, worker int) {
	logger.Debug("slice started",
		"search", searchID,
		"slice", index,
		"z", z,
		"worker", worker,
	)
}

// LogSliceComplete logs a successful drift estimate for one sweep position.
func LogSliceComplete(logger *slog.Logger, searchID string, index int, duration time.Duration, resultInfo map[string]any) {
	logger.Debug("slice completed",
		"search", searchID,
		"slice", index,
		"duration_ms", duration.Milliseconds(),
		"result", resultInfo,
	)
}

// LogSliceFailure logs a sweep position that produced no usable estimate.
// Slice failures are not fatal to a search, so they are warnings.
func LogSliceFailure(logger *slog.Logger, searchID string, index int, z float64, duration time.Duration, err error) {
	logger.Warn("slice failed",
		"search", searchID,
		"slice", index,
		"z", z,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogProcessingStep logs individual steps within a search
func LogProcessingStep(logger *slog.Logger, searchID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"search_id", searchID,
		"step", step,
		"status", status,
		"details", details,
	)
}
