package model

import (
	"math/rand"

	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// Head turns the class-token representation into logits:
// RMSNorm, BitLinear(D -> D), GELU, BitLinear(D -> classes).
type Head struct {
	Norm   *nn.RMSNorm
	Hidden *nn.BitLinear
	Out    *nn.BitLinear
}

type headCache struct {
	norm        *nn.RMSNormCache
	hidden, out *nn.BitLinearCache
	pre         *tensor.Tensor
}

func newHead(cfg Config, rng *rand.Rand) *Head {
	return &Head{
		Norm:   nn.NewRMSNorm("head.norm", cfg.LatentSize, cfg.NormEpsilon),
		Hidden: nn.NewBitLinear("head.hidden", cfg.LatentSize, cfg.LatentSize, true, rng),
		Out:    nn.NewBitLinear("head.out", cfg.LatentSize, cfg.NumClasses, true, rng),
	}
}

func (h *Head) Params() []*nn.Param {
	ps := h.Norm.Params()
	ps = append(ps, h.Hidden.Params()...)
	return append(ps, h.Out.Params()...)
}

// Forward maps (B, D) to logits (B, classes).
func (h *Head) Forward(x *tensor.Tensor) (*tensor.Tensor, *headCache) {
	n, nc := h.Norm.Forward(x)
	pre, hc := h.Hidden.Forward(n)
	act := tensor.New(pre.Shape...)
	for i, v := range pre.Data {
		act.Data[i] = tensor.GELU(v)
	}
	logits, oc := h.Out.Forward(act)
	return logits, &headCache{norm: nc, hidden: hc, out: oc, pre: pre}
}

func (h *Head) Backward(c *headCache, dlogits *tensor.Tensor) *tensor.Tensor {
	d := h.Out.Backward(c.out, dlogits)
	for i, v := range c.pre.Data {
		d.Data[i] *= tensor.GELUGrad(v)
	}
	d = h.Hidden.Backward(c.hidden, d)
	return h.Norm.Backward(c.norm, d)
}
