package stage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"driftfocus/internal/frame"
)

// SimulatedOptions shapes the synthetic specimen.
type SimulatedOptions struct {
	Width, Height int
	Seed          int64
	// FocusZ is the in-focus position; blur radius grows by BlurPerMicron
	// for each micron away from it.
	FocusZ        float64
	BlurPerMicron float64
	// DriftX and DriftY offset every frame, in pixels, from the reference
	// position the specimen was in at XY (0, 0).
	DriftX, DriftY float64
	// TiltX and TiltY add pixels of lateral offset per micron of defocus,
	// so the least displaced slice sits at FocusZ.
	TiltX, TiltY float64
	UmPerPixel   float64
	// StartZ is the initial focus motor position.
	StartZ float64
	// FailAfter makes the CaptureAt call after this many successes fail;
	// 0 never fails.
	FailAfter int
}

// Simulated is a software microscope: a fixed random texture that blurs
// away from FocusZ and shifts with lateral drift and XY moves.
type Simulated struct {
	opts    SimulatedOptions
	base    frame.Image
	mu      sync.Mutex
	x, y, z float64
	set     Settings
	calls   int
	zs      []float64
}

// NewSimulated builds a simulated stage. Zero options get a 512x512 sensor,
// 0.065 um pixels and two pixels of blur per micron.
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Width <= 0 {
		opts.Width = 512
	}
	if opts.Height <= 0 {
		opts.Height = 512
	}
	if opts.UmPerPixel <= 0 {
		opts.UmPerPixel = 0.065
	}
	if opts.BlurPerMicron <= 0 {
		opts.BlurPerMicron = 2
	}
	return &Simulated{
		opts: opts,
		base: frame.Texture(opts.Width, opts.Height, opts.Seed),
		z:    opts.StartZ,
		set: Settings{
			ExposureMs: 10,
			ROI:        image.Rect(0, 0, opts.Width, opts.Height),
		},
	}
}

// Reference renders the specimen in focus with no drift, cropped to the
// current ROI.
func (s *Simulated) Reference() frame.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, _ := s.base.Crop(s.set.ROI)
	return img
}

func (s *Simulated) CaptureAt(ctx context.Context, z float64) (frame.Image, error) {
	if err := ctx.Err(); err != nil {
		return frame.Image{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.FailAfter > 0 && s.calls >= s.opts.FailAfter {
		return frame.Image{}, fmt.Errorf("%w: camera timeout at z=%.3f", ErrHardwareFault, z)
	}
	s.calls++
	s.z = z
	s.zs = append(s.zs, z)

	// Stage and camera axes are aligned, so moving by -drift*umPerPixel
	// cancels the drift.
	defocus := math.Abs(z - s.opts.FocusZ)
	dx := s.opts.DriftX + s.opts.TiltX*defocus + s.x/s.opts.UmPerPixel
	dy := s.opts.DriftY + s.opts.TiltY*defocus + s.y/s.opts.UmPerPixel
	img := s.base.Shift(int(math.Round(dx)), int(math.Round(dy)), 800)
	img = img.Blur(int(math.Round(defocus * s.opts.BlurPerMicron)))
	return img.Crop(s.set.ROI)
}

func (s *Simulated) XY(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, nil
}

func (s *Simulated) MoveXY(ctx context.Context, x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) {
		return fmt.Errorf("%w: invalid XY target (%v, %v)", ErrHardwareFault, x, y)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x, s.y = x, y
	return nil
}

func (s *Simulated) Z(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.z, nil
}

func (s *Simulated) MoveZ(ctx context.Context, z float64) error {
	if math.IsNaN(z) {
		return fmt.Errorf("%w: invalid Z target", ErrHardwareFault)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.z = z
	return nil
}

func (s *Simulated) Settings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set, nil
}

func (s *Simulated) Apply(ctx context.Context, set Settings) error {
	full := image.Rect(0, 0, s.opts.Width, s.opts.Height)
	if !set.ROI.Empty() && !set.ROI.In(full) {
		return errors.New("stage: ROI outside sensor")
	}
	if set.ROI.Empty() {
		set.ROI = full
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
	return nil
}

// Captured returns the Z of every CaptureAt call so far, in call order.
func (s *Simulated) Captured() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.zs...)
}
