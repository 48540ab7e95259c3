package nn

import (
	"math/rand"

	"github.com/samcharles93/bitvit/internal/tensor"
)

// Dropout zeroes elements with probability P during training and scales the
// survivors by 1/(1-P). In evaluation mode it is the identity.
type Dropout struct {
	P float32
}

// DropoutMask records which elements survived; nil means identity.
type DropoutMask struct {
	keep  []bool
	scale float32
}

// Forward applies dropout when training is set, drawing from rng.
func (d Dropout) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, *DropoutMask) {
	if !training || d.P <= 0 {
		return x, nil
	}
	y := tensor.New(x.Shape...)
	m := &DropoutMask{keep: make([]bool, len(x.Data)), scale: 1 / (1 - d.P)}
	for i, v := range x.Data {
		if rng.Float32() >= d.P {
			m.keep[i] = true
			y.Data[i] = v * m.scale
		}
	}
	return y, m
}

// Backward routes dy through the same mask.
func (d Dropout) Backward(m *DropoutMask, dy *tensor.Tensor) *tensor.Tensor {
	if m == nil {
		return dy
	}
	dx := tensor.New(dy.Shape...)
	for i, k := range m.keep {
		if k {
			dx.Data[i] = dy.Data[i] * m.scale
		}
	}
	return dx
}
