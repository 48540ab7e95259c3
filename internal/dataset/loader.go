package dataset

import (
	"iter"
	"math/rand"
	"slices"

	"github.com/samcharles93/bitvit/internal/tensor"
)

// Batch is a set of images (B, C, H, W) with one label per image.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Loader yields transformed mini-batches over a subset of a CIFAR10 split.
type Loader struct {
	data      *CIFAR10
	indices   []int
	batchSize int
	transform Transform
	shuffle   bool
	seed      int64
}

// NewLoader iterates indices (nil means every sample) in batches of
// batchSize. With shuffle set the order is re-drawn every epoch from seed.
func NewLoader(data *CIFAR10, indices []int, batchSize int, t Transform, shuffle bool, seed int64) *Loader {
	if indices == nil {
		indices = make([]int, data.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	return &Loader{
		data:      data,
		indices:   indices,
		batchSize: max(batchSize, 1),
		transform: t,
		shuffle:   shuffle,
		seed:      seed,
	}
}

// Len is the number of samples per epoch.
func (l *Loader) Len() int { return len(l.indices) }

// NumBatches is the number of batches per epoch; the last may be short.
func (l *Loader) NumBatches() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Batches yields one epoch. The same epoch number always produces the same
// order and augmentations.
func (l *Loader) Batches(epoch int) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		rng := rand.New(rand.NewSource(l.seed + int64(epoch)*7919))
		order := slices.Clone(l.indices)
		if l.shuffle {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		size := l.transform.Size
		per := CIFARChannels * size * size
		for start := 0; start < len(order); start += l.batchSize {
			idx := order[start:min(start+l.batchSize, len(order))]
			augs := make([]Augmentation, len(idx))
			for i := range augs {
				augs[i] = l.transform.Sample(rng)
			}
			b := Batch{
				Images: tensor.New(len(idx), CIFARChannels, size, size),
				Labels: make([]int, len(idx)),
			}
			tensor.Parallel(len(idx), func(i int) {
				l.transform.ApplyRaw(b.Images.Data[i*per:(i+1)*per], l.data.Image(idx[i]), augs[i])
			})
			for i, j := range idx {
				b.Labels[i] = l.data.Labels[j]
			}
			if !yield(b) {
				return
			}
		}
	}
}
