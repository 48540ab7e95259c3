package model

import (
	"math/rand"

	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// FeedForward is BitLinear(D -> ratio*D), GELU, dropout,
// BitLinear(ratio*D -> D), dropout.
type FeedForward struct {
	Up   *nn.BitLinear
	Down *nn.BitLinear
	Drop nn.Dropout
}

type feedForwardCache struct {
	up, down     *nn.BitLinearCache
	pre          *tensor.Tensor // Up output before GELU
	mask1, mask2 *nn.DropoutMask
}

func newFeedForward(prefix string, cfg Config, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Up:   nn.NewBitLinear(prefix+".up", cfg.LatentSize, cfg.HiddenSize(), true, rng),
		Down: nn.NewBitLinear(prefix+".down", cfg.HiddenSize(), cfg.LatentSize, true, rng),
		Drop: nn.Dropout{P: cfg.Dropout},
	}
}

func (f *FeedForward) Params() []*nn.Param {
	return append(f.Up.Params(), f.Down.Params()...)
}

func (f *FeedForward) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, *feedForwardCache) {
	pre, upc := f.Up.Forward(x)
	act := tensor.New(pre.Shape...)
	for i, v := range pre.Data {
		act.Data[i] = tensor.GELU(v)
	}
	act, m1 := f.Drop.Forward(act, training, rng)
	out, downc := f.Down.Forward(act)
	out, m2 := f.Drop.Forward(out, training, rng)
	return out, &feedForwardCache{up: upc, down: downc, pre: pre, mask1: m1, mask2: m2}
}

func (f *FeedForward) Backward(c *feedForwardCache, dy *tensor.Tensor) *tensor.Tensor {
	d := f.Drop.Backward(c.mask2, dy)
	d = f.Down.Backward(c.down, d)
	d = f.Drop.Backward(c.mask1, d)
	for i, v := range c.pre.Data {
		d.Data[i] *= tensor.GELUGrad(v)
	}
	return f.Up.Backward(c.up, d)
}
