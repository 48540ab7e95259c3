package model

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// EncoderBlock is a pre-norm transformer layer:
//
//	r = x + Attn(Norm1(x))
//	y = r + FFN(Norm2(r))
type EncoderBlock struct {
	Norm1 *nn.RMSNorm
	Attn  *Attention
	Norm2 *nn.RMSNorm
	FFN   *FeedForward
}

type blockCache struct {
	norm1, norm2 *nn.RMSNormCache
	attn         *attentionCache
	ffn          *feedForwardCache
}

func newEncoderBlock(index int, cfg Config, rng *rand.Rand) *EncoderBlock {
	prefix := fmt.Sprintf("blocks.%d", index)
	return &EncoderBlock{
		Norm1: nn.NewRMSNorm(prefix+".norm1", cfg.LatentSize, cfg.NormEpsilon),
		Attn:  newAttention(prefix+".attn", cfg, rng),
		Norm2: nn.NewRMSNorm(prefix+".norm2", cfg.LatentSize, cfg.NormEpsilon),
		FFN:   newFeedForward(prefix+".ffn", cfg, rng),
	}
}

func (blk *EncoderBlock) Params() []*nn.Param {
	var ps []*nn.Param
	ps = append(ps, blk.Norm1.Params()...)
	ps = append(ps, blk.Attn.Params()...)
	ps = append(ps, blk.Norm2.Params()...)
	ps = append(ps, blk.FFN.Params()...)
	return ps
}

func (blk *EncoderBlock) bitLinears() []*nn.BitLinear {
	return append(blk.Attn.layers(), blk.FFN.Up, blk.FFN.Down)
}

// Forward maps (B, S, D) to (B, S, D). The input is not modified.
func (blk *EncoderBlock) Forward(x *tensor.Tensor, training bool, rng *rand.Rand) (*tensor.Tensor, *blockCache) {
	n1, c1 := blk.Norm1.Forward(x)
	att, ac := blk.Attn.Forward(n1)
	r := x.Clone()
	tensor.Add(r.Data, att.Data)

	n2, c2 := blk.Norm2.Forward(r)
	ff, fc := blk.FFN.Forward(n2, training, rng)
	y := r.Clone()
	tensor.Add(y.Data, ff.Data)
	return y, &blockCache{norm1: c1, norm2: c2, attn: ac, ffn: fc}
}

func (blk *EncoderBlock) Backward(c *blockCache, dy *tensor.Tensor) *tensor.Tensor {
	dr := dy.Clone()
	dn2 := blk.FFN.Backward(c.ffn, dy)
	tensor.Add(dr.Data, blk.Norm2.Backward(c.norm2, dn2).Data)

	dn1 := blk.Attn.Backward(c.attn, dr)
	dx := dr.Clone()
	tensor.Add(dx.Data, blk.Norm1.Backward(c.norm1, dn1).Data)
	return dx
}
