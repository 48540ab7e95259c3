package tensor

import "math/rand"

// FillNormal draws every element from N(0, std^2).
func FillNormal(t *Tensor, rng *rand.Rand, std float32) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// FillUniform draws every element from U(-bound, bound).
func FillUniform(t *Tensor, rng *rand.Rand, bound float32) {
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}

// Fill sets every element to v.
func Fill(t *Tensor, v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
