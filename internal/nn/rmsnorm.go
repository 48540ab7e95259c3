package nn

import (
	"github.com/samcharles93/bitvit/internal/tensor"
)

// RMSNorm normalises each feature vector by its root mean square and applies
// a learnable per-feature gain initialised to one.
type RMSNorm struct {
	Gain *Param
	Eps  float32
}

// RMSNormCache keeps the forward input and per-row inverse RMS.
type RMSNormCache struct {
	x   *tensor.Tensor
	inv []float32
}

// NewRMSNorm creates a norm over vectors of length dim.
func NewRMSNorm(name string, dim int, eps float32) *RMSNorm {
	n := &RMSNorm{Gain: NewParam(name+".gain", dim), Eps: eps}
	tensor.Fill(n.Gain.Value, 1)
	return n
}

func (n *RMSNorm) Params() []*Param { return []*Param{n.Gain} }

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, *RMSNormCache) {
	y := tensor.New(x.Shape...)
	inv := make([]float32, x.Rows())
	for r := range inv {
		inv[r] = tensor.RMSNorm(y.Row(r), x.Row(r), n.Gain.Value.Data, n.Eps)
	}
	return y, &RMSNormCache{x: x, inv: inv}
}

func (n *RMSNorm) Backward(c *RMSNormCache, dy *tensor.Tensor) *tensor.Tensor {
	dx := tensor.New(c.x.Shape...)
	for r := range c.inv {
		tensor.RMSNormBackward(dx.Row(r), dy.Row(r), c.x.Row(r), n.Gain.Value.Data, c.inv[r], n.Gain.Grad.Data)
	}
	return dx
}
