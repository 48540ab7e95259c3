package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes C = alpha*op(A)*op(B) + beta*C where op transposes its
// argument when the matching flag is set. The kernel is gonum's BLAS, which
// parallelises large products across goroutines on its own.
func Gemm(C, A, B Mat, transA, transB bool, alpha, beta float32) {
	m, k := A.R, A.C
	if transA {
		m, k = k, m
	}
	kb, n := B.R, B.C
	if transB {
		kb, n = n, kb
	}
	if k != kb || C.R != m || C.C != n {
		panic("gemm: dimension mismatch")
	}
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		scaleMat(C, beta)
		return
	}
	blas32.Gemm(trans(transA), trans(transB), alpha, A.general(), B.general(), beta, C.general())
}

// MatMul computes C = A*B.
func MatMul(C, A, B Mat) {
	Gemm(C, A, B, false, false, 1, 0)
}

// MatMulT computes C = A*B^T, the shape used by linear layers whose weights
// are stored [out, in].
func MatMulT(C, A, B Mat) {
	Gemm(C, A, B, false, true, 1, 0)
}

// MatMulTAcc accumulates C += A^T*B, the shape of a weight gradient.
func MatMulTAcc(C, A, B Mat) {
	Gemm(C, A, B, true, false, 1, 1)
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func scaleMat(m Mat, beta float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}
