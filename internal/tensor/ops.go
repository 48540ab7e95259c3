package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddScaled computes dst += a*src.
func AddScaled(dst, src []float32, a float32) {
	for i := range dst {
		dst[i] += a * src[i]
	}
}

// Scale multiplies x by a in place.
func Scale(x []float32, a float32) {
	for i := range x {
		x[i] *= a
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MaxAbs returns max(|x|), or 0 for an empty slice.
func MaxAbs(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// Argmax returns the index of the largest element (first on ties).
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// RMSNorm performs Root Mean Square Normalization and returns the inverse RMS
// that was applied, which the backward pass needs. A nil weight means unit
// gain.
func RMSNorm(dst, src, weight []float32, eps float32) float32 {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	if weight == nil {
		for i := range src {
			dst[i] = src[i] * scale
		}
		return scale
	}
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
	return scale
}

// RMSNormBackward computes dx for y = RMSNorm(x, weight) given dy and the
// inverse RMS returned by the forward call. When dWeight is non-nil the gain
// gradient is accumulated into it. dx must not alias x.
func RMSNormBackward(dx, dy, x, weight []float32, inv float32, dWeight []float32) {
	n := float32(len(x))
	var dot float32
	for i := range x {
		u := dy[i]
		if weight != nil {
			u *= weight[i]
		}
		dot += u * x[i]
	}
	coef := inv * inv * inv * dot / n
	for i := range x {
		u := dy[i]
		if weight != nil {
			if dWeight != nil {
				dWeight[i] += dy[i] * x[i] * inv
			}
			u *= weight[i]
		}
		dx[i] = inv*u - coef*x[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxBackward computes dx = y * (dy - <dy, y>) for y = Softmax(x).
// dx may alias dy.
func SoftmaxBackward(dx, y, dy []float32) {
	dot := Dot(dy, y)
	for i := range y {
		dx[i] = y[i] * (dy[i] - dot)
	}
}

// GELU is the exact (erf based) Gaussian error linear unit.
func GELU(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

// GELUGrad is dGELU/dx.
func GELUGrad(x float32) float32 {
	v := float64(x)
	cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
	pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
	return float32(cdf + v*pdf)
}
