package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// Attention is multi-head self-attention whose four projections are
// BitLinear layers. Heads are addressed in place as column views of the
// projected (B*S, D) matrices, one pool task per (sample, head) pair.
type Attention struct {
	Heads   int
	HeadDim int
	Q, K, V *nn.BitLinear
	O       *nn.BitLinear
}

type attentionCache struct {
	batch, seq     int
	q, k, v        *tensor.Tensor // (B, S, D)
	probs          []float32      // softmax rows, B*H blocks of S*S
	qc, kc, vc, oc *nn.BitLinearCache
}

func newAttention(prefix string, cfg Config, rng *rand.Rand) *Attention {
	d := cfg.LatentSize
	return &Attention{
		Heads:   cfg.NumHeads,
		HeadDim: cfg.HeadDim(),
		Q:       nn.NewBitLinear(prefix+".q", d, d, true, rng),
		K:       nn.NewBitLinear(prefix+".k", d, d, true, rng),
		V:       nn.NewBitLinear(prefix+".v", d, d, true, rng),
		O:       nn.NewBitLinear(prefix+".o", d, d, true, rng),
	}
}

func (a *Attention) Params() []*nn.Param {
	var ps []*nn.Param
	for _, l := range a.layers() {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (a *Attention) layers() []*nn.BitLinear {
	return []*nn.BitLinear{a.Q, a.K, a.V, a.O}
}

// headView selects the rows of sample b and the columns of head h.
func (a *Attention) headView(m tensor.Mat, b, seq, h int) tensor.Mat {
	return m.View(b*seq, (b+1)*seq, h*a.HeadDim, (h+1)*a.HeadDim)
}

// Forward maps x (B, S, D) to (B, S, D).
func (a *Attention) Forward(x *tensor.Tensor) (*tensor.Tensor, *attentionCache) {
	if x.Dims() != 3 {
		panic(fmt.Sprintf("attention: want (B, S, D) input, got %v", x.Shape))
	}
	batch, seq := x.Shape[0], x.Shape[1]
	q, qc := a.Q.Forward(x)
	k, kc := a.K.Forward(x)
	v, vc := a.V.Forward(x)

	scale := float32(1 / math.Sqrt(float64(a.HeadDim)))
	probs := make([]float32, batch*a.Heads*seq*seq)
	ctx := tensor.New(x.Shape...)
	qm, km, vm, cm := q.Mat(), k.Mat(), v.Mat(), ctx.Mat()

	tensor.Parallel(batch*a.Heads, func(i int) {
		b, h := i/a.Heads, i%a.Heads
		p := tensor.NewMatFromData(seq, seq, probs[i*seq*seq:(i+1)*seq*seq])
		tensor.Gemm(p, a.headView(qm, b, seq, h), a.headView(km, b, seq, h), false, true, scale, 0)
		for r := 0; r < seq; r++ {
			tensor.Softmax(p.Row(r))
		}
		tensor.Gemm(a.headView(cm, b, seq, h), p, a.headView(vm, b, seq, h), false, false, 1, 0)
	})

	out, oc := a.O.Forward(ctx)
	return out, &attentionCache{
		batch: batch, seq: seq,
		q: q, k: k, v: v,
		probs: probs,
		qc:    qc, kc: kc, vc: vc, oc: oc,
	}
}

// Backward returns dL/dx for dy (B, S, D) and accumulates projection
// gradients.
func (a *Attention) Backward(c *attentionCache, dy *tensor.Tensor) *tensor.Tensor {
	batch, seq := c.batch, c.seq
	dctx := a.O.Backward(c.oc, dy)

	scale := float32(1 / math.Sqrt(float64(a.HeadDim)))
	dq := tensor.New(c.q.Shape...)
	dk := tensor.New(c.k.Shape...)
	dv := tensor.New(c.v.Shape...)
	qm, km, vm := c.q.Mat(), c.k.Mat(), c.v.Mat()
	dqm, dkm, dvm, dcm := dq.Mat(), dk.Mat(), dv.Mat(), dctx.Mat()

	tensor.Parallel(batch*a.Heads, func(i int) {
		b, h := i/a.Heads, i%a.Heads
		p := tensor.NewMatFromData(seq, seq, c.probs[i*seq*seq:(i+1)*seq*seq])
		dch := a.headView(dcm, b, seq, h)

		// dV = P^T dCtx, dP = dCtx V^T.
		tensor.Gemm(a.headView(dvm, b, seq, h), p, dch, true, false, 1, 0)
		dp := tensor.NewMat(seq, seq)
		tensor.Gemm(dp, dch, a.headView(vm, b, seq, h), false, true, 1, 0)

		// Through the row softmax, then the 1/sqrt(head_dim) scaling.
		for r := 0; r < seq; r++ {
			tensor.SoftmaxBackward(dp.Row(r), p.Row(r), dp.Row(r))
		}

		// dQ = dS K * scale, dK = dS^T Q * scale.
		tensor.Gemm(a.headView(dqm, b, seq, h), dp, a.headView(km, b, seq, h), false, false, scale, 0)
		tensor.Gemm(a.headView(dkm, b, seq, h), dp, a.headView(qm, b, seq, h), true, false, scale, 0)
	})

	dx := a.Q.Backward(c.qc, dq)
	tensor.Add(dx.Data, a.K.Backward(c.kc, dk).Data)
	tensor.Add(dx.Data, a.V.Backward(c.vc, dv).Data)
	return dx
}
