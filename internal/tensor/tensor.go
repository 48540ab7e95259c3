package tensor

import (
	"fmt"
	"slices"
	"strings"
)

// Tensor is a dense row-major float32 array with an explicit shape.
//
// The last dimension is the "feature" dimension: most layers treat a tensor
// of shape (..., n) as Rows() vectors of length Cols() == n. Data is owned by
// the tensor; views created with Reshape share it.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  data,
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Cols is the size of the last dimension.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows is the number of Cols()-sized vectors held by the tensor.
func (t *Tensor) Rows() int {
	c := t.Cols()
	if c == 0 {
		return 0
	}
	return len(t.Data) / c
}

// Row returns a view of the i-th feature vector.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Mat returns a 2-D view of the tensor as Rows() x Cols().
func (t *Tensor) Mat() Mat {
	return NewMatFromData(t.Rows(), t.Cols(), t.Data)
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	return FromData(t.Data, shape...)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// CopyFrom copies src into t. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) {
	if !SameShape(t, src) {
		panic(fmt.Sprintf("tensor: copy shape mismatch %v vs %v", t.Shape, src.Shape))
	}
	copy(t.Data, src.Data)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// ShapeString formats a shape as "(a, b, c)".
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t *Tensor) String() string {
	return "Tensor" + ShapeString(t.Shape)
}
