package dataset

import (
	"image"
	"image/color"
	"math/rand"

	"golang.org/x/image/draw"
)

var (
	CIFARMean = [3]float32{0.4914, 0.4822, 0.4465}
	CIFARStd  = [3]float32{0.2023, 0.1994, 0.2010}
)

// Transform turns a raw sample into a normalised (C, Size, Size) float
// image. With Augment set it first applies a random crop of the padded
// image and a random horizontal flip.
type Transform struct {
	Size    int
	Pad     int
	Augment bool
	Mean    [3]float32
	Std     [3]float32
}

// CIFARTransform is the standard pipeline: pad-4 random crop, resize to
// size, random flip, CIFAR mean/std normalisation.
func CIFARTransform(size int, augment bool) Transform {
	return Transform{Size: size, Pad: 4, Augment: augment, Mean: CIFARMean, Std: CIFARStd}
}

// rawToRGBA builds a 32x32 image from CHW bytes, shifted by (dx, dy) with
// zero fill, mirrored horizontally when flip is set.
func rawToRGBA(raw []byte, dx, dy int, flip bool) *image.RGBA {
	const side, plane = CIFARSide, CIFARSide * CIFARSide
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		sy := y + dy
		for x := 0; x < side; x++ {
			sx := x + dx
			ox := x
			if flip {
				ox = side - 1 - x
			}
			c := color.RGBA{A: 255}
			if sx >= 0 && sx < side && sy >= 0 && sy < side {
				o := sy*side + sx
				c.R, c.G, c.B = raw[o], raw[plane+o], raw[2*plane+o]
			}
			img.SetRGBA(ox, y, c)
		}
	}
	return img
}

// Augmentation is one draw of the random crop offset and flip.
type Augmentation struct {
	DX, DY int
	Flip   bool
}

// Sample draws an augmentation, or the identity when Augment is off.
func (t Transform) Sample(rng *rand.Rand) Augmentation {
	if !t.Augment {
		return Augmentation{}
	}
	return Augmentation{
		DX:   rng.Intn(2*t.Pad+1) - t.Pad,
		DY:   rng.Intn(2*t.Pad+1) - t.Pad,
		Flip: rng.Intn(2) == 1,
	}
}

// ApplyRaw transforms one CIFAR sample into dst (3*Size*Size floats).
func (t Transform) ApplyRaw(dst []float32, raw []byte, aug Augmentation) {
	t.normalize(dst, resize(rawToRGBA(raw, aug.DX, aug.DY, aug.Flip), t.Size))
}

// Apply transforms a decoded image of any size. Transparent areas are
// composited over white; no augmentation is applied.
func (t Transform) Apply(dst []float32, img image.Image) {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)
	t.normalize(dst, resize(flat, t.Size))
}

func resize(img *image.RGBA, size int) *image.RGBA {
	if img.Bounds().Dx() == size && img.Bounds().Dy() == size {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

func (t Transform) normalize(dst []float32, img *image.RGBA) {
	size := t.Size
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := img.RGBAAt(x, y)
			o := y*size + x
			dst[o] = (float32(p.R)/255 - t.Mean[0]) / t.Std[0]
			dst[plane+o] = (float32(p.G)/255 - t.Mean[1]) / t.Std[1]
			dst[2*plane+o] = (float32(p.B)/255 - t.Mean[2]) / t.Std[2]
		}
	}
}
