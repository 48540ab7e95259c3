package dataset

import (
	"fmt"
	"image"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/bitvit/internal/tensor"
)

// DecodeImage decodes PNG, JPEG, GIF, BMP or WebP data.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("dataset: decode image: %w", err)
	}
	return img, format, nil
}

// ImagesToTensor stacks transformed images into a (B, 3, Size, Size) batch.
func (t Transform) ImagesToTensor(imgs []image.Image) *tensor.Tensor {
	per := CIFARChannels * t.Size * t.Size
	out := tensor.New(len(imgs), CIFARChannels, t.Size, t.Size)
	tensor.Parallel(len(imgs), func(i int) {
		t.Apply(out.Data[i*per:(i+1)*per], imgs[i])
	})
	return out
}

// LoadImageFiles decodes and transforms every path into one batch.
func (t Transform) LoadImageFiles(paths []string) (*tensor.Tensor, error) {
	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		img, _, err := DecodeImage(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		imgs[i] = img
	}
	return t.ImagesToTensor(imgs), nil
}
