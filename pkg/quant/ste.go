package quant

// Function is an element-wise operator with an explicit backward rule.
// Forward writes f(src) into dst; Backward maps the upstream gradient dy to
// the gradient with respect to the operator's input.
type Function interface {
	Forward(dst, src []float32)
	Backward(dx, dy []float32)
}

// RoundSTE rounds to the nearest integer (ties to even) in the forward pass
// and behaves as the identity in the backward pass.
type RoundSTE struct{}

func (RoundSTE) Forward(dst, src []float32) {
	for i, v := range src {
		dst[i] = roundHalfEven(v)
	}
}

func (RoundSTE) Backward(dx, dy []float32) {
	copy(dx, dy)
}

// SignSTE maps values to ±1 (zero to ZeroSign) in the forward pass and
// behaves as the identity in the backward pass.
type SignSTE struct{}

func (SignSTE) Forward(dst, src []float32) {
	for i, v := range src {
		dst[i] = float32(Sign(v))
	}
}

func (SignSTE) Backward(dx, dy []float32) {
	copy(dx, dy)
}

var (
	_ Function = RoundSTE{}
	_ Function = SignSTE{}
)
