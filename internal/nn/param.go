// Package nn holds the trainable building blocks of the model: parameters
// with gradients and layers with explicit forward/backward passes.
package nn

import (
	"fmt"
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/bitvit/internal/tensor"
)

// Param is a trainable full-precision tensor and its gradient accumulator.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// NewParam allocates a zeroed parameter and gradient.
func NewParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensor.New(shape...),
		Grad:  tensor.New(shape...),
	}
}

// Shape returns the parameter shape.
func (p *Param) Shape() []int { return p.Value.Shape }

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// ParamSet is an insertion-ordered name -> parameter collection. The order is
// the model's construction order, which optimizers and checkpoints rely on.
type ParamSet struct {
	om *orderedmap.OrderedMap[string, *Param]
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{om: orderedmap.New[string, *Param]()}
}

// Add registers parameters. Duplicate names are a construction bug and panic.
func (s *ParamSet) Add(params ...*Param) {
	for _, p := range params {
		if _, present := s.om.Set(p.Name, p); present {
			panic(fmt.Sprintf("nn: duplicate parameter %q", p.Name))
		}
	}
}

// Get looks a parameter up by name.
func (s *ParamSet) Get(name string) (*Param, bool) {
	return s.om.Get(name)
}

// Len is the number of parameters (tensors, not elements).
func (s *ParamSet) Len() int { return s.om.Len() }

// NumElements is the total number of scalar weights.
func (s *ParamSet) NumElements() int {
	n := 0
	for _, p := range s.All() {
		n += p.Value.Len()
	}
	return n
}

// Names returns parameter names in order.
func (s *ParamSet) Names() []string {
	names := make([]string, 0, s.om.Len())
	for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// List returns the parameters in order.
func (s *ParamSet) List() []*Param {
	out := make([]*Param, 0, s.om.Len())
	for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// All iterates name/parameter pairs in order.
func (s *ParamSet) All() iter.Seq2[string, *Param] {
	return func(yield func(string, *Param) bool) {
		for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// ZeroGrad clears every gradient.
func (s *ParamSet) ZeroGrad() {
	for _, p := range s.All() {
		p.ZeroGrad()
	}
}
