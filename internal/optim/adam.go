// Package optim holds the parameter update rules used by the trainer.
package optim

import (
	"math"

	"github.com/samcharles93/bitvit/internal/nn"
)

// AdamConfig holds Adam hyper-parameters. WeightDecay is classic L2: it is
// added to the gradient before the moment updates.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LR:          3e-4,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 1e-4,
	}
}

// Adam keeps first and second moment estimates for a fixed parameter list.
//
//	g   = grad + wd * w
//	m_t = b1 * m + (1 - b1) * g
//	v_t = b2 * v + (1 - b2) * g^2
//	w  -= lr * (m_t / (1 - b1^t)) / (sqrt(v_t / (1 - b2^t)) + eps)
type Adam struct {
	cfg    AdamConfig
	params []*nn.Param
	m, v   [][]float32
	t      int
}

func NewAdam(params []*nn.Param, cfg AdamConfig) *Adam {
	a := &Adam{
		cfg:    cfg,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, p.Value.Len())
		a.v[i] = make([]float32, p.Value.Len())
	}
	return a
}

// LR is the learning rate the next Step will use.
func (a *Adam) LR() float64 { return a.cfg.LR }

// SetLR changes the learning rate, typically from a schedule.
func (a *Adam) SetLR(lr float64) { a.cfg.LR = lr }

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// Step applies one update from the accumulated gradients. Gradients are
// left untouched.
func (a *Adam) Step() {
	a.t++
	c := a.cfg
	bias1 := 1 - math.Pow(c.Beta1, float64(a.t))
	bias2 := 1 - math.Pow(c.Beta2, float64(a.t))
	stepSize := c.LR / bias1

	for i, p := range a.params {
		w, g := p.Value.Data, p.Grad.Data
		m, v := a.m[i], a.v[i]
		for j := range w {
			grad := float64(g[j]) + c.WeightDecay*float64(w[j])
			mj := c.Beta1*float64(m[j]) + (1-c.Beta1)*grad
			vj := c.Beta2*float64(v[j]) + (1-c.Beta2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)
			w[j] -= float32(stepSize * mj / (math.Sqrt(vj/bias2) + c.Epsilon))
		}
	}
}
