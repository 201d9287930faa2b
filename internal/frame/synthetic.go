package frame

import (
	"math/rand"
)

// Texture renders a deterministic field of random rectangles on a dark
// background. The result has plenty of corners for feature detectors and is
// used by the simulated stage.
func Texture(width, height int, seed int64) Image {
	rng := rand.New(rand.NewSource(seed))
	pix := make([]uint16, width*height)
	for i := range pix {
		pix[i] = 800
	}
	area := width * height
	count := area / 400
	if count < 8 {
		count = 8
	}
	for n := 0; n < count; n++ {
		w := 3 + rng.Intn(18)
		h := 3 + rng.Intn(18)
		x0 := rng.Intn(width)
		y0 := rng.Intn(height)
		v := uint16(4000 + rng.Intn(56000))
		for y := y0; y < y0+h && y < height; y++ {
			for x := x0; x < x0+w && x < width; x++ {
				pix[y*width+x] = v
			}
		}
	}
	return Image{width: width, height: height, pix: pix}
}

// Blur applies a separable box blur of the given radius. Radius 0 returns the
// image unchanged.
func (im Image) Blur(radius int) Image {
	if radius <= 0 || im.Empty() {
		return im
	}
	tmp := make([]uint32, len(im.pix))
	out := make([]uint16, len(im.pix))
	w, h := im.width, im.height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n uint32
			for k := x - radius; k <= x+radius; k++ {
				if k < 0 || k >= w {
					continue
				}
				sum += uint32(im.pix[y*w+k])
				n++
			}
			tmp[y*w+x] = sum / n
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n uint32
			for k := y - radius; k <= y+radius; k++ {
				if k < 0 || k >= h {
					continue
				}
				sum += tmp[k*w+x]
				n++
			}
			out[y*w+x] = uint16(sum / n)
		}
	}
	return Image{width: w, height: h, pix: out}
}
