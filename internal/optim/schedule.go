package optim

import "math"

// StepLR decays the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	Base     float64
	StepSize int
	Gamma    float64
}

func NewStepLR(base float64, stepSize int, gamma float64) StepLR {
	if stepSize < 1 {
		stepSize = 1
	}
	return StepLR{Base: base, StepSize: stepSize, Gamma: gamma}
}

// LR returns the rate for a zero-based epoch.
func (s StepLR) LR(epoch int) float64 {
	return s.Base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
