// Package imageio reads and writes 16-bit grayscale frames.
//
// TIFF goes through golang.org/x/image so 16-bit stacks decode without cgo,
// FITS and other scientific formats go through ImageMagick, and everything
// else is handed to OpenCV.
package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"driftfocus/internal/frame"

	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"
)

var magickOnce sync.Once

var magickExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".dcm":  {},
	".pgm":  {},
}

// Load decodes the frame stored at path.
func Load(path string) (frame.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".tif" || ext == ".tiff":
		return loadTIFF(path)
	case isMagick(ext):
		return loadMagick(path)
	default:
		return loadOpenCV(path)
	}
}

// Save encodes img to path. The format follows the extension; 16-bit depth
// is preserved for TIFF and PNG.
func Save(path string, img frame.Image) error {
	if img.Empty() {
		return frame.ErrEmpty
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".tif" || ext == ".tiff" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := tiff.Encode(f, img.Gray16(), &tiff.Options{Compression: tiff.Deflate}); err != nil {
			f.Close()
			return fmt.Errorf("encode tiff %s: %w", path, err)
		}
		return f.Close()
	}

	mat, err := gocv.NewMatFromBytes(img.Height(), img.Width(), gocv.MatTypeCV16U, le16(img.Pix()))
	if err != nil {
		return err
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("write %s: encoder refused frame", path)
	}
	return nil
}

func isMagick(ext string) bool {
	_, ok := magickExts[ext]
	return ok
}

func loadTIFF(path string) (frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return frame.Image{}, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return frame.Image{}, fmt.Errorf("decode tiff %s: %w", path, err)
	}
	return frame.FromImage(img), nil
}

func loadMagick(path string) (frame.Image, error) {
	magickOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return frame.Image{}, fmt.Errorf("failed to read image: %v", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return frame.Image{}, fmt.Errorf("failed to convert to grayscale: %v", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return frame.Image{}, fmt.Errorf("failed to export pixels: %v", err)
	}
	floats, ok := pixels.([]float32)
	if !ok {
		return frame.Image{}, fmt.Errorf("unexpected pixel buffer %T", pixels)
	}

	pix := make([]uint16, len(floats))
	for i, v := range floats {
		pix[i] = uint16(math.Round(math.Min(1, math.Max(0, float64(v))) * math.MaxUint16))
	}
	return frame.New(int(width), int(height), pix)
}

func loadOpenCV(path string) (frame.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadAnyDepth)
	if mat.Empty() {
		return frame.Image{}, fmt.Errorf("read %s: unsupported or missing image", path)
	}
	defer mat.Close()
	return FromMat(mat)
}

// FromMat converts a single channel 8-bit or 16-bit Mat into a frame.
func FromMat(mat gocv.Mat) (frame.Image, error) {
	if mat.Channels() != 1 {
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
		return FromMat(gray)
	}
	w, h := mat.Cols(), mat.Rows()
	switch mat.Type() {
	case gocv.MatTypeCV16U:
		data, err := mat.DataPtrUint16()
		if err != nil {
			return frame.Image{}, err
		}
		return frame.New(w, h, data)
	case gocv.MatTypeCV8U:
		data, err := mat.DataPtrUint8()
		if err != nil {
			return frame.Image{}, err
		}
		pix := make([]uint16, len(data))
		for i, v := range data {
			pix[i] = uint16(v) * 257
		}
		return frame.New(w, h, pix)
	default:
		return frame.Image{}, fmt.Errorf("unsupported mat type %v", mat.Type())
	}
}

func le16(pix []uint16) []byte {
	out := make([]byte, 2*len(pix))
	for i, v := range pix {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
