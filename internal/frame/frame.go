// Package frame holds the immutable grayscale image type shared by the
// capture, feature and drift packages.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

// ErrEmpty is returned when an operation needs pixels and the image has none.
var ErrEmpty = errors.New("frame: empty image")

// Image is a 16-bit single channel pixel buffer. Values are never mutated
// after construction; every transform returns a new Image.
type Image struct {
	width  int
	height int
	pix    []uint16
}

// New copies pix (row-major, width*height values) into a new Image.
func New(width, height int, pix []uint16) (Image, error) {
	if width <= 0 || height <= 0 {
		return Image{}, fmt.Errorf("frame: invalid size %dx%d", width, height)
	}
	if len(pix) != width*height {
		return Image{}, fmt.Errorf("frame: pixel count %d does not match %dx%d", len(pix), width, height)
	}
	buf := make([]uint16, len(pix))
	copy(buf, pix)
	return Image{width: width, height: height, pix: buf}, nil
}

// FromImage converts any image.Image to 16-bit grayscale.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Image{}
	}
	pix := make([]uint16, w*h)
	if g, ok := src.(*image.Gray16); ok {
		for y := 0; y < h; y++ {
			row := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				pix[y*w+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
			}
		}
		return Image{width: w, height: h, pix: pix}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			pix[y*w+x] = c.Y
		}
	}
	return Image{width: w, height: h, pix: pix}
}

func (im Image) Width() int  { return im.width }
func (im Image) Height() int { return im.height }

// Empty reports whether the image holds no pixels.
func (im Image) Empty() bool { return len(im.pix) == 0 }

// Bounds returns the image rectangle anchored at the origin.
func (im Image) Bounds() image.Rectangle { return image.Rect(0, 0, im.width, im.height) }

// At returns the pixel value at (x, y). Out of range coordinates return 0.
func (im Image) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= im.width || y >= im.height {
		return 0
	}
	return im.pix[y*im.width+x]
}

// Pix returns a copy of the row-major pixel data.
func (im Image) Pix() []uint16 {
	out := make([]uint16, len(im.pix))
	copy(out, im.pix)
	return out
}

// Gray16 returns a standard library image for encoders.
func (im Image) Gray16() *image.Gray16 {
	out := image.NewGray16(im.Bounds())
	for i, v := range im.pix {
		out.Pix[2*i] = uint8(v >> 8)
		out.Pix[2*i+1] = uint8(v)
	}
	return out
}

// Gray8 stretches the pixel range [min, max] onto [0, 255]. A flat image maps
// to all zeros.
func (im Image) Gray8() ([]byte, error) {
	if im.Empty() {
		return nil, ErrEmpty
	}
	lo, hi := uint16(math.MaxUint16), uint16(0)
	for _, v := range im.pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]byte, len(im.pix))
	if hi == lo {
		return out, nil
	}
	scale := 255.0 / float64(hi-lo)
	for i, v := range im.pix {
		out[i] = uint8(math.Round(float64(v-lo) * scale))
	}
	return out, nil
}

// Crop returns the part of the image inside r.
func (im Image) Crop(r image.Rectangle) (Image, error) {
	r = r.Intersect(im.Bounds())
	if r.Empty() {
		return Image{}, fmt.Errorf("frame: crop %v outside %v: %w", r, im.Bounds(), ErrEmpty)
	}
	w, h := r.Dx(), r.Dy()
	pix := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		src := im.pix[(r.Min.Y+y)*im.width+r.Min.X:]
		copy(pix[y*w:(y+1)*w], src[:w])
	}
	return Image{width: w, height: h, pix: pix}, nil
}

// Shift returns a copy translated by (dx, dy) pixels. Uncovered pixels are
// filled with fill.
func (im Image) Shift(dx, dy int, fill uint16) Image {
	pix := make([]uint16, len(im.pix))
	for y := 0; y < im.height; y++ {
		for x := 0; x < im.width; x++ {
			sx, sy := x-dx, y-dy
			if sx < 0 || sy < 0 || sx >= im.width || sy >= im.height {
				pix[y*im.width+x] = fill
				continue
			}
			pix[y*im.width+x] = im.pix[sy*im.width+sx]
		}
	}
	return Image{width: im.width, height: im.height, pix: pix}
}

// CenterROI returns a rectangle centred in a width x height sensor covering
// factor of each dimension. factor is clamped to [0.01, 1].
func CenterROI(width, height int, factor float64) image.Rectangle {
	factor = ClampCrop(factor)
	w := int(math.Round(float64(width) * factor))
	h := int(math.Round(float64(height) * factor))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	x0 := (width - w) / 2
	y0 := (height - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h)
}

// ClampCrop limits a crop factor to [0.01, 1].
func ClampCrop(factor float64) float64 {
	switch {
	case math.IsNaN(factor), factor > 1:
		return 1
	case factor < 0.01:
		return 0.01
	}
	return factor
}
