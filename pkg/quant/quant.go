// Package quant implements the BitNet-style quantizers used by BitLinear:
// per-token absmax int8 activations, sign binarised weights scaled by their
// mean magnitude, and the straight-through operators that let gradients
// reach the full-precision values.
package quant

import (
	"math"
)

const (
	// ActivationBits is the width of a quantized activation.
	ActivationBits = 8
	// ActivationQp and ActivationQn bound the quantized activation range.
	ActivationQp = 127
	ActivationQn = -128

	// ActivationEpsilon clamps max(|x|) from below so an all-zero token
	// yields a finite scale instead of dividing by zero.
	ActivationEpsilon float32 = 1e-5

	// ZeroSign is the sign assigned to weights that are exactly zero.
	ZeroSign int8 = 1
)

// ActivationScale returns 127/max(|x|) with the denominator clamped to
// ActivationEpsilon. degenerate reports whether the clamp was hit.
func ActivationScale(x []float32) (scale float32, degenerate bool) {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	if m < ActivationEpsilon {
		m = ActivationEpsilon
		degenerate = true
	}
	return ActivationQp / m, degenerate
}

// QuantizeRow quantizes one token: q[i] = clamp(round(x[i]*scale), Qn, Qp).
// It returns the scale used and whether the epsilon clamp applied.
func QuantizeRow(q []int8, x []float32) (scale float32, degenerate bool) {
	scale, degenerate = ActivationScale(x)
	for i, v := range x {
		q[i] = clampInt8(roundHalfEven(v * scale))
	}
	return scale, degenerate
}

// Activations quantizes x, viewed as rows of length cols, one scale per
// row. It returns the number of rows that hit the epsilon clamp.
func Activations(q []int8, scales []float32, x []float32, cols int) int {
	if cols <= 0 || len(x)%cols != 0 || len(q) < len(x) || len(scales) < len(x)/cols {
		panic("quant: activation buffer size mismatch")
	}
	degenerate := 0
	for r := range len(x) / cols {
		s, d := QuantizeRow(q[r*cols:(r+1)*cols], x[r*cols:(r+1)*cols])
		scales[r] = s
		if d {
			degenerate++
		}
	}
	return degenerate
}

// Dequantize writes q/scale for each row back to dst.
func Dequantize(dst []float32, q []int8, scales []float32, cols int) {
	for r := range len(q) / cols {
		inv := 1 / scales[r]
		row := q[r*cols : (r+1)*cols]
		out := dst[r*cols : (r+1)*cols]
		for i, v := range row {
			out[i] = float32(v) * inv
		}
	}
}

// Sign returns ±1 with zero mapped to ZeroSign.
func Sign(v float32) int8 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return ZeroSign
	}
}

// Binary is a weight matrix reduced to its signs and a single magnitude.
// Dense(i) == Signs[i] * Beta.
type Binary struct {
	Rows, Cols int
	Signs      []int8
	Beta       float32
}

// Binarize computes beta = mean(|W|) over the whole matrix and the sign of
// every element. An all-zero matrix gives Beta == 0.
func Binarize(w []float32, rows, cols int) Binary {
	if rows*cols != len(w) {
		panic("quant: weight size mismatch")
	}
	b := Binary{Rows: rows, Cols: cols, Signs: make([]int8, len(w)), Beta: MeanAbs(w)}
	for i, v := range w {
		b.Signs[i] = Sign(v)
	}
	return b
}

// MeanAbs returns mean(|w|), accumulated in float64. It is the beta of a
// binarised matrix and 0 for an empty or all-zero one.
func MeanAbs(w []float32) float32 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += math.Abs(float64(v))
	}
	return float32(sum / float64(len(w)))
}

// Dense expands the binarised matrix to sign*beta in dst.
func (b Binary) Dense(dst []float32) {
	for i, s := range b.Signs {
		dst[i] = float32(s) * b.Beta
	}
}

func roundHalfEven(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}

// ClampActivation limits an already rounded activation to [Qn, Qp].
func ClampActivation(v float32) float32 {
	return min(max(v, ActivationQn), ActivationQp)
}

func clampInt8(v float32) int8 {
	if v > ActivationQp {
		return ActivationQp
	}
	if v < ActivationQn {
		return ActivationQn
	}
	return int8(v)
}
