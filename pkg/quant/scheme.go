package quant

import (
	"fmt"
)

// Scheme converts a full-precision tensor into a storage form.
type Scheme interface {
	Name() string
	Quantise(data []float32, shape []int) (QuantTensor, error)
}

// QuantTensor is the packed result of a Scheme.
//
// For the binary scheme Data holds one bit per element (1 = positive, MSB
// first within each byte) and Scales holds the single beta.
type QuantTensor struct {
	Shape  []int
	Scales []float32
	Data   []byte
}

// BinaryScheme packs 2-D weights to 1 bit per element plus mean-|W| scale.
type BinaryScheme struct{}

func (BinaryScheme) Name() string { return "bitnet-b1" }

func (BinaryScheme) Quantise(data []float32, shape []int) (QuantTensor, error) {
	if len(shape) != 2 {
		return QuantTensor{}, fmt.Errorf("binary scheme: expected 2-D weight, got %d dims", len(shape))
	}
	if shape[0]*shape[1] != len(data) {
		return QuantTensor{}, fmt.Errorf("binary scheme: shape %v does not match %d elements", shape, len(data))
	}
	b := Binarize(data, shape[0], shape[1])
	return QuantTensor{
		Shape:  []int{shape[0], shape[1]},
		Scales: []float32{b.Beta},
		Data:   PackSigns(b.Signs),
	}, nil
}

// Dequantise expands a binary QuantTensor back to sign*beta.
func (BinaryScheme) Dequantise(q QuantTensor) ([]float32, error) {
	if len(q.Shape) != 2 || len(q.Scales) != 1 {
		return nil, fmt.Errorf("binary scheme: malformed tensor")
	}
	n := q.Shape[0] * q.Shape[1]
	if len(q.Data) != (n+7)/8 {
		return nil, fmt.Errorf("binary scheme: expected %d packed bytes, got %d", (n+7)/8, len(q.Data))
	}
	b := Binary{Rows: q.Shape[0], Cols: q.Shape[1], Signs: UnpackSigns(q.Data, n), Beta: q.Scales[0]}
	out := make([]float32, n)
	b.Dense(out)
	return out, nil
}

// PackSigns stores one bit per sign, MSB first; a set bit means +1.
func PackSigns(signs []int8) []byte {
	out := make([]byte, (len(signs)+7)/8)
	for i, s := range signs {
		if s > 0 {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// UnpackSigns reverses PackSigns for n elements.
func UnpackSigns(packed []byte, n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		if packed[i/8]&(0x80>>(i%8)) != 0 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}
