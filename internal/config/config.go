package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"driftfocus/internal/drift"
	"driftfocus/internal/frame"
)

const (
	defaultConfigPath = "~/.config/driftfocus/config.json"
	envConfigPath     = "DRIFTFOCUS_CONFIG"
)

// Config holds user-editable settings.
type Config struct {
	Search     Search     `json:"search"`
	Features   Features   `json:"features"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Storage    Storage    `json:"storage"`
	Stage      Stage      `json:"stage"`
	Server     Server     `json:"server"`
}

// Search is the per-search parameter set. It is passed by value, so a running
// search never observes later edits.
type Search struct {
	SearchRangeMicrons             float64 `json:"searchRangeMicrons"`
	StepMicrons                    float64 `json:"stepMicrons"`
	CropFactor                     float64 `json:"cropFactor"`
	Channel                        string  `json:"channel"`
	ExposureMs                     float64 `json:"exposureMs"`
	UmPerMinuteExpectedDrift       float64 `json:"umPerMinuteExpectedDrift"`
	UmPerPixel                     float64 `json:"umPerPixel"`
	IntervalInMinutesBetweenFrames float64 `json:"intervalInMinutesBetweenFrames"`
}

// Features selects the OpenCV algorithms.
type Features struct {
	Detector    string `json:"detector"`    // orb, akaze, brisk, sift
	Matcher     string `json:"matcher"`     // bruteforce, bruteforce-crosscheck, flann
	MaxFeatures int    `json:"maxFeatures"` // 0 keeps every keypoint
}

// Processing captures execution preferences.
type Processing struct {
	Workers         int      `json:"workers"` // 0 means max(1, cores-1)
	TaskTimeout     Duration `json:"taskTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default file locations.
type Paths struct {
	DatabasePath   string `json:"databasePath"`
	ReferenceImage string `json:"referenceImage"`
}

// Storage selects the database/sql driver.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Stage configures the acquisition backend.
type Stage struct {
	Kind                 string   `json:"kind"` // simulated, replay, dropfolder
	Dir                  string   `json:"dir"`
	CaptureTimeout       Duration `json:"captureTimeout"`
	MaxCapturesPerSecond float64  `json:"maxCapturesPerSecond"` // 0 disables throttling
	SettleDelay          Duration `json:"settleDelay"`
}

// Server holds listen addresses for serve.
type Server struct {
	HTTPAddr string `json:"httpAddr"`
	GRPCAddr string `json:"grpcAddr"`
}

// Duration is a time.Duration that reads "30s" style strings or plain
// numbers of seconds from JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(envConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	cfg.Search = cfg.Search.Normalized()

	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	cfg.Paths.ReferenceImage, err = expandUser(cfg.Paths.ReferenceImage)
	if err != nil {
		return nil, err
	}
	cfg.Stage.Dir, err = expandUser(cfg.Stage.Dir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSearch returns the stock search parameters.
func DefaultSearch() Search {
	return Search{
		SearchRangeMicrons:             19,
		StepMicrons:                    0.3,
		CropFactor:                     1,
		ExposureMs:                     10,
		UmPerMinuteExpectedDrift:       0.5,
		UmPerPixel:                     0.065,
		IntervalInMinutesBetweenFrames: 2,
	}
}

// Normalized fills zero values from the defaults and clamps CropFactor to
// [0.01, 1]. Negative values are left alone for the planner to reject.
func (s Search) Normalized() Search {
	def := DefaultSearch()
	if s.SearchRangeMicrons == 0 {
		s.SearchRangeMicrons = def.SearchRangeMicrons
	}
	if s.StepMicrons == 0 {
		s.StepMicrons = def.StepMicrons
	}
	if s.CropFactor == 0 {
		s.CropFactor = def.CropFactor
	}
	s.CropFactor = frame.ClampCrop(s.CropFactor)
	if s.ExposureMs == 0 {
		s.ExposureMs = def.ExposureMs
	}
	if s.UmPerMinuteExpectedDrift == 0 {
		s.UmPerMinuteExpectedDrift = def.UmPerMinuteExpectedDrift
	}
	if s.UmPerPixel == 0 {
		s.UmPerPixel = def.UmPerPixel
	}
	if s.IntervalInMinutesBetweenFrames == 0 {
		s.IntervalInMinutesBetweenFrames = def.IntervalInMinutesBetweenFrames
	}
	return s
}

// Drift returns the physical constants used to bound plausible displacement.
func (s Search) Drift() drift.Config {
	return drift.Config{
		UmPerMinute:     s.UmPerMinuteExpectedDrift,
		UmPerPixel:      s.UmPerPixel,
		IntervalMinutes: s.IntervalInMinutesBetweenFrames,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Search: DefaultSearch(),
		Features: Features{
			Detector: "orb",
			Matcher:  "bruteforce",
		},
		Processing: Processing{
			TaskTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(60 * time.Second),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "driftfocus.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Stage: Stage{
			Kind:           "simulated",
			CaptureTimeout: Duration(30 * time.Second),
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:8765",
			GRPCAddr: "127.0.0.1:8766",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
