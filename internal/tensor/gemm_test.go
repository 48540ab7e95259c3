package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// fillRand fills m with reproducible values in (-0.01, 0.01).
func fillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * 0.02
		}
	}
}

func gemmNaive(C, A, B Mat, transA, transB bool) {
	at := func(m Mat, i, j int, t bool) float32 {
		if t {
			return m.Row(j)[i]
		}
		return m.Row(i)[j]
	}
	k := A.C
	if transA {
		k = A.R
	}
	for i := 0; i < C.R; i++ {
		for j := 0; j < C.C; j++ {
			var sum float32
			for kk := 0; kk < k; kk++ {
				sum += at(A, i, kk, transA) * at(B, kk, j, transB)
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmMatchesNaive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		ar, ac, br, bc int
		transA, transB bool
	}{
		{"nn", 50, 70, 70, 45, false, false},
		{"nt", 50, 70, 45, 70, false, true},
		{"tn", 70, 50, 70, 45, true, false},
		{"tt", 70, 50, 45, 70, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			A := NewMat(tc.ar, tc.ac)
			B := NewMat(tc.br, tc.bc)
			fillRand(&A, 1)
			fillRand(&B, 2)

			m, n := tc.ar, tc.bc
			if tc.transA {
				m = tc.ac
			}
			if tc.transB {
				n = tc.br
			}
			C0 := NewMat(m, n)
			C1 := NewMat(m, n)
			gemmNaive(C0, A, B, tc.transA, tc.transB)
			Gemm(C1, A, B, tc.transA, tc.transB, 1, 0)

			if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-5 {
				t.Fatalf("max abs diff %g", maxAbs)
			}
		})
	}
}

func TestGemmOnStridedViews(t *testing.T) {
	t.Parallel()

	// Two "heads" of width 3 packed side by side in a 4x6 matrix.
	Q := NewMat(4, 6)
	K := NewMat(4, 6)
	fillRand(&Q, 3)
	fillRand(&K, 4)

	for h := 0; h < 2; h++ {
		q := Q.View(0, 4, h*3, h*3+3)
		k := K.View(0, 4, h*3, h*3+3)
		got := NewMat(4, 4)
		MatMulT(got, q, k)

		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				want := Dot(q.Row(i), k.Row(j))
				if d := math.Abs(float64(got.Row(i)[j] - want)); d > 1e-6 {
					t.Fatalf("head %d (%d,%d): got %v want %v", h, i, j, got.Row(i)[j], want)
				}
			}
		}
	}
}

func TestMatMulTAccAccumulates(t *testing.T) {
	t.Parallel()

	A := NewMat(5, 3)
	B := NewMat(5, 2)
	fillRand(&A, 5)
	fillRand(&B, 6)

	once := NewMat(3, 2)
	MatMulTAcc(once, A, B)
	twice := NewMat(3, 2)
	MatMulTAcc(twice, A, B)
	MatMulTAcc(twice, A, B)

	for i := range once.Data {
		if d := math.Abs(float64(2*once.Data[i] - twice.Data[i])); d > 1e-6 {
			t.Fatalf("element %d: expected accumulation, got %v vs %v", i, once.Data[i], twice.Data[i])
		}
	}
}

func TestGemmDimensionMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MatMul(NewMat(2, 2), NewMat(2, 3), NewMat(2, 2))
}
