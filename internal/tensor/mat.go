package tensor

import "gonum.org/v1/gonum/blas/blas32"

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows.  For a
// freshly allocated matrix Stride equals C; column slices created with View
// keep the parent's stride so attention heads can be addressed in place.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix.  Modifications to the
// returned slice update the underlying matrix values.
func (m Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// View returns the sub-matrix rows [r0, r1) x columns [c0, c1) sharing the
// parent's storage.
func (m Mat) View(r0, r1, c0, c1 int) Mat {
	if r0 < 0 || r1 > m.R || r0 > r1 || c0 < 0 || c1 > m.C || c0 > c1 {
		panic("mat view out of range")
	}
	if r0 == r1 || c0 == c1 {
		return Mat{R: r1 - r0, C: c1 - c0, Stride: m.Stride}
	}
	start := r0*m.Stride + c0
	end := (r1-1)*m.Stride + c1
	return Mat{
		R:      r1 - r0,
		C:      c1 - c0,
		Stride: m.Stride,
		Data:   m.Data[start:end],
	}
}

func (m Mat) general() blas32.General {
	stride := m.Stride
	if stride < 1 {
		stride = 1
	}
	return blas32.General{
		Rows:   m.R,
		Cols:   m.C,
		Stride: stride,
		Data:   m.Data,
	}
}
