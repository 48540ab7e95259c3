package nn

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync/atomic"

	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/tensor"
	"github.com/samcharles93/bitvit/pkg/quant"
)

// DefaultNormEps is the epsilon inside the RMS normalisation that precedes
// activation quantization.
const DefaultNormEps float32 = 1e-6

// BitLinear is a linear layer that runs on 1-bit weights and 8-bit
// activations in the forward pass while training full-precision weights.
//
// Forward: x -> RMSNorm (unit gain) -> per-token absmax int8 quantization ->
// (q · sign(W)^T) * beta/scale + bias. Binarised weights are derived from
// Weight on every call and never stored as the source of truth.
//
// Rounding and sign go through quant.Function operators (RoundSTE and
// SignSTE by default). Their identity backward is the straight-through
// estimator: Weight.Grad receives dY^T x_q and the normalised input
// receives dY W_b.
type BitLinear struct {
	Name    string
	In, Out int
	Weight  *Param // [Out, In]
	Bias    *Param // [Out], nil when the layer has no bias
	NormEps float32

	actSTE    quant.Function
	weightSTE quant.Function

	degenerate atomic.Int64
	log        logger.Logger
}

// BitLinearCache holds what Backward needs from one Forward call.
type BitLinearCache struct {
	shape  []int
	x      []float32 // raw input, rows x In
	inv    []float32 // per-row inverse RMS
	scales []float32 // per-row activation scale
	xq     []float32 // dequantized activations, rows x In
	wb     []float32 // sign(W)*beta, Out x In
}

// NewBitLinear creates a layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewBitLinear(name string, in, out int, bias bool, rng *rand.Rand) *BitLinear {
	l := &BitLinear{
		Name:      name,
		In:        in,
		Out:       out,
		Weight:    NewParam(name+".weight", out, in),
		NormEps:   DefaultNormEps,
		actSTE:    quant.RoundSTE{},
		weightSTE: quant.SignSTE{},
		log:       logger.Discard(),
	}
	bound := float32(1 / math.Sqrt(float64(in)))
	tensor.FillUniform(l.Weight.Value, rng, bound)
	if bias {
		l.Bias = NewParam(name+".bias", out)
		tensor.FillUniform(l.Bias.Value, rng, bound)
	}
	return l
}

// Params returns the layer's parameters in registration order.
func (l *BitLinear) Params() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}

// SetLogger routes numeric diagnostics to log.
func (l *BitLinear) SetLogger(log logger.Logger) {
	if log == nil {
		log = logger.Discard()
	}
	l.log = log
}

// DegenerateTokens counts tokens whose activations were all (near) zero and
// hit the epsilon clamp since the layer was created.
func (l *BitLinear) DegenerateTokens() int64 {
	return l.degenerate.Load()
}

// Binarized returns the current binarised view of Weight.
func (l *BitLinear) Binarized() quant.Binary {
	return quant.Binarize(l.Weight.Value.Data, l.Out, l.In)
}

// Forward maps (..., In) to (..., Out).
func (l *BitLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, *BitLinearCache) {
	if x.Cols() != l.In {
		panic(fmt.Sprintf("bitlinear %s: input width %d, want %d", l.Name, x.Cols(), l.In))
	}
	rows := x.Rows()

	// 1. RMS normalisation per token.
	xn := make([]float32, len(x.Data))
	inv := make([]float32, rows)
	for r := 0; r < rows; r++ {
		inv[r] = tensor.RMSNorm(xn[r*l.In:(r+1)*l.In], x.Row(r), nil, l.NormEps)
	}

	// 2. Per-token absmax scaling, rounded by the activation operator and
	// clamped to the int8 range.
	scales := make([]float32, rows)
	xs := make([]float32, len(xn))
	degenerate := 0
	for r := 0; r < rows; r++ {
		lo, hi := r*l.In, (r+1)*l.In
		s, d := quant.ActivationScale(xn[lo:hi])
		if d {
			degenerate++
		}
		scales[r] = s
		for i := lo; i < hi; i++ {
			xs[i] = xn[i] * s
		}
	}
	if degenerate > 0 {
		l.degenerate.Add(int64(degenerate))
		l.log.Debug("activation scale clamped to epsilon", "layer", l.Name, "tokens", degenerate, "epsilon", quant.ActivationEpsilon)
	}
	q := make([]float32, len(xs))
	l.actSTE.Forward(q, xs)
	for i, v := range q {
		q[i] = quant.ClampActivation(v)
	}

	// 3. Weight binarisation through the sign operator; beta = mean|W|.
	w := l.Weight.Value.Data
	signs := make([]float32, len(w))
	l.weightSTE.Forward(signs, w)
	beta := quant.MeanAbs(w)

	// 4. Integer-valued product, rescaled by beta/scale per token.
	outShape := append(slices.Clone(x.Shape[:len(x.Shape)-1]), l.Out)
	y := tensor.New(outShape...)
	tensor.MatMulT(y.Mat(), tensor.NewMatFromData(rows, l.In, q), tensor.NewMatFromData(l.Out, l.In, signs))
	for r := 0; r < rows; r++ {
		row := y.Row(r)
		tensor.Scale(row, beta/scales[r])
		if l.Bias != nil {
			tensor.Add(row, l.Bias.Value.Data)
		}
	}

	// Dequantized operands for the backward pass; reuse the scratch buffers.
	for r := 0; r < rows; r++ {
		tensor.Scale(q[r*l.In:(r+1)*l.In], 1/scales[r])
	}
	tensor.Scale(signs, beta)
	return y, &BitLinearCache{
		shape:  slices.Clone(x.Shape),
		x:      x.Data,
		inv:    inv,
		scales: scales,
		xq:     q,
		wb:     signs,
	}
}

// Backward accumulates parameter gradients for dy (..., Out) and returns the
// gradient with respect to the layer input.
func (l *BitLinear) Backward(c *BitLinearCache, dy *tensor.Tensor) *tensor.Tensor {
	rows := dy.Rows()
	if dy.Cols() != l.Out || rows*l.In != len(c.x) {
		panic(fmt.Sprintf("bitlinear %s: gradient shape %v does not match forward input %v", l.Name, dy.Shape, c.shape))
	}
	dyM := dy.Mat()

	// dW_b = dY^T x_q; the sign operator maps it onto the full-precision W.
	dwb := make([]float32, l.Out*l.In)
	tensor.MatMulTAcc(tensor.NewMatFromData(l.Out, l.In, dwb), dyM, tensor.NewMatFromData(rows, l.In, c.xq))
	dw := make([]float32, len(dwb))
	l.weightSTE.Backward(dw, dwb)
	tensor.Add(l.Weight.Grad.Data, dw)

	if l.Bias != nil {
		db := l.Bias.Grad.Data
		for r := 0; r < rows; r++ {
			tensor.Add(db, dy.Row(r))
		}
	}

	// dx_q = dY W_b. x_q = round(x_n*s)/s, so the rounding operator sees
	// dx_q/s and its input gradient is scaled back by s.
	dxq := make([]float32, rows*l.In)
	tensor.MatMul(tensor.NewMatFromData(rows, l.In, dxq), dyM, tensor.NewMatFromData(l.Out, l.In, c.wb))
	for r := 0; r < rows; r++ {
		tensor.Scale(dxq[r*l.In:(r+1)*l.In], 1/c.scales[r])
	}
	dxn := make([]float32, len(dxq))
	l.actSTE.Backward(dxn, dxq)

	dx := tensor.New(c.shape...)
	for r := 0; r < rows; r++ {
		lo, hi := r*l.In, (r+1)*l.In
		tensor.Scale(dxn[lo:hi], c.scales[r])
		tensor.RMSNormBackward(dx.Data[lo:hi], dxn[lo:hi], c.x[lo:hi], nil, c.inv[r], nil)
	}
	return dx
}
