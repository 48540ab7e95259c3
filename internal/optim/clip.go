package optim

import (
	"math"

	"github.com/samcharles93/bitvit/internal/nn"
)

// GradNorm is the global L2 norm over every gradient.
func GradNorm(params []*nn.Param) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad.Data {
			sum += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm
// and returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, p := range params {
		for i := range p.Grad.Data {
			p.Grad.Data[i] *= scale
		}
	}
	return norm
}
