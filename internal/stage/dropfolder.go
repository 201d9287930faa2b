package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"driftfocus/internal/frame"
	"driftfocus/internal/fsutil"
	"driftfocus/internal/imageio"

	"github.com/fsnotify/fsnotify"
)

// Request is written to the drop folder for the acquisition software.
type Request struct {
	Seq      int       `json:"seq"`
	Op       string    `json:"op"` // capture, move-xy, move-z, settings
	Z        float64   `json:"z"`
	X        float64   `json:"x,omitempty"`
	Y        float64   `json:"y,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
	Time     time.Time `json:"time"`
}

// DropFolderOptions configures a DropFolder.
type DropFolderOptions struct {
	Dir     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DropFolder talks to external acquisition software through files. Every
// command is written as request-NNNNNN.json. A capture is answered by the
// software writing frame-NNNNNN.<ext>, or frame-NNNNNN.err with a message
// on failure.
type DropFolder struct {
	dir     string
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	seq     int
	x, y, z float64
	set     Settings
}

// NewDropFolder creates the folder if needed.
func NewDropFolder(opts DropFolderOptions) (*DropFolder, error) {
	if opts.Dir == "" {
		return nil, errors.New("dropfolder: directory required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("dropfolder: %w", err)
	}
	return &DropFolder{dir: opts.Dir, timeout: opts.Timeout, log: opts.Logger}, nil
}

func (d *DropFolder) send(req Request) error {
	req.Time = time.Now().UTC()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	path := filepath.Join(d.dir, fmt.Sprintf("request-%06d.json", req.Seq))
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write request: %w", ErrHardwareFault, err)
	}
	d.log.Debug("drop folder request", "seq", req.Seq, "op", req.Op, "path", path)
	return nil
}

func (d *DropFolder) nextSeq() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

func (d *DropFolder) CaptureAt(ctx context.Context, z float64) (frame.Image, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return frame.Image{}, fmt.Errorf("%w: %w", ErrHardwareFault, err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return frame.Image{}, fmt.Errorf("%w: watch %s: %w", ErrHardwareFault, d.dir, err)
	}

	seq := d.nextSeq()
	if err := d.send(Request{Seq: seq, Op: "capture", Z: z}); err != nil {
		return frame.Image{}, err
	}
	d.mu.Lock()
	d.z = z
	d.mu.Unlock()

	prefix := fmt.Sprintf("frame-%06d", seq)
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	// The answer may have landed before the watch saw it.
	if img, done, err := d.poll(prefix); done {
		return img, err
	}
	for {
		select {
		case <-ctx.Done():
			return frame.Image{}, ctx.Err()
		case <-timer.C:
			return frame.Image{}, fmt.Errorf("%w: no frame for request %d after %s", ErrHardwareFault, seq, d.timeout)
		case err, ok := <-watcher.Errors:
			if !ok {
				return frame.Image{}, fmt.Errorf("%w: watcher closed", ErrHardwareFault)
			}
			d.log.Warn("drop folder watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return frame.Image{}, fmt.Errorf("%w: watcher closed", ErrHardwareFault)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), prefix+".") {
				continue
			}
			if img, done, err := d.poll(prefix); done {
				return img, err
			}
		}
	}
}

// poll looks for the answer to one capture. done is false while the frame is
// missing or still being written.
func (d *DropFolder) poll(prefix string) (img frame.Image, done bool, err error) {
	matches, _ := filepath.Glob(filepath.Join(d.dir, prefix+".*"))
	for _, m := range matches {
		if strings.HasSuffix(m, ".err") {
			msg, _ := os.ReadFile(m)
			return frame.Image{}, true, fmt.Errorf("%w: %s", ErrHardwareFault, strings.TrimSpace(string(msg)))
		}
	}
	for _, m := range matches {
		if !fsutil.IsFrameFile(m) {
			continue
		}
		img, err := imageio.Load(m)
		if err != nil {
			d.log.Debug("frame not readable yet", "path", m, "error", err)
			continue
		}
		return img, true, nil
	}
	return frame.Image{}, false, nil
}

func (d *DropFolder) XY(ctx context.Context) (float64, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.x, d.y, nil
}

func (d *DropFolder) MoveXY(ctx context.Context, x, y float64) error {
	if err := d.send(Request{Seq: d.nextSeq(), Op: "move-xy", X: x, Y: y}); err != nil {
		return err
	}
	d.mu.Lock()
	d.x, d.y = x, y
	d.mu.Unlock()
	return nil
}

func (d *DropFolder) Z(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.z, nil
}

func (d *DropFolder) MoveZ(ctx context.Context, z float64) error {
	if err := d.send(Request{Seq: d.nextSeq(), Op: "move-z", Z: z}); err != nil {
		return err
	}
	d.mu.Lock()
	d.z = z
	d.mu.Unlock()
	return nil
}

func (d *DropFolder) Settings(ctx context.Context) (Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set, nil
}

func (d *DropFolder) Apply(ctx context.Context, s Settings) error {
	if err := d.send(Request{Seq: d.nextSeq(), Op: "settings", Settings: &s}); err != nil {
		return err
	}
	d.mu.Lock()
	d.set = s
	d.mu.Unlock()
	return nil
}
