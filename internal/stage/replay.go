package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"driftfocus/internal/frame"
	"driftfocus/internal/fsutil"
	"driftfocus/internal/imageio"
)

// Replay serves pre-recorded sweep frames from a directory, one per
// CaptureAt call, in natural file name order. A file named reference.* is
// held back as the reference frame.
type Replay struct {
	mu        sync.Mutex
	frames    []string
	reference string
	next      int
	x, y, z   float64
}

// NewReplay indexes the frames in dir.
func NewReplay(dir string) (*Replay, error) {
	files, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	r := &Replay{}
	for _, f := range files {
		base := filepath.Base(f)
		if strings.TrimSuffix(base, filepath.Ext(base)) == "reference" {
			r.reference = f
			continue
		}
		r.frames = append(r.frames, f)
	}
	if len(r.frames) == 0 {
		return nil, fmt.Errorf("replay: no frames in %s", dir)
	}
	return r, nil
}

// Len is the number of sweep frames available.
func (r *Replay) Len() int { return len(r.frames) }

// Reference loads the held-back reference frame, if the directory has one.
func (r *Replay) Reference() (frame.Image, bool, error) {
	if r.reference == "" {
		return frame.Image{}, false, nil
	}
	img, err := imageio.Load(r.reference)
	return img, err == nil, err
}

// Rewind restarts the sequence for another search.
func (r *Replay) Rewind() {
	r.mu.Lock()
	r.next = 0
	r.mu.Unlock()
}

func (r *Replay) CaptureAt(ctx context.Context, z float64) (frame.Image, error) {
	if err := ctx.Err(); err != nil {
		return frame.Image{}, err
	}
	r.mu.Lock()
	if r.next >= len(r.frames) {
		r.mu.Unlock()
		return frame.Image{}, fmt.Errorf("%w: replay exhausted after %d frames", ErrHardwareFault, len(r.frames))
	}
	path := r.frames[r.next]
	r.next++
	r.z = z
	r.mu.Unlock()

	img, err := imageio.Load(path)
	if err != nil {
		return frame.Image{}, fmt.Errorf("%w: %w", ErrHardwareFault, err)
	}
	return img, nil
}

func (r *Replay) XY(ctx context.Context) (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.x, r.y, nil
}

func (r *Replay) MoveXY(ctx context.Context, x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.x, r.y = x, y
	return nil
}

func (r *Replay) Z(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.z, nil
}

func (r *Replay) MoveZ(ctx context.Context, z float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.z = z
	return nil
}
