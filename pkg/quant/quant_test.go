package quant

import (
	"math"
	"math/rand"
	"testing"
)

func randomSlice(rng *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * scale)
	}
	return out
}

func TestBinarizeSignsAndMagnitude(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 20; trial++ {
		rows, cols := 1+rng.Intn(8), 1+rng.Intn(8)
		w := randomSlice(rng, rows*cols, 0.1)
		// Force a few exact zeros.
		w[0] = 0
		if len(w) > 3 {
			w[3] = 0
		}

		var sum float64
		for _, v := range w {
			sum += math.Abs(float64(v))
		}
		beta := float32(sum / float64(len(w)))

		b := Binarize(w, rows, cols)
		if math.Abs(float64(b.Beta-beta)) > 1e-6 {
			t.Fatalf("beta = %v, want %v", b.Beta, beta)
		}
		dense := make([]float32, len(w))
		b.Dense(dense)
		for i, v := range dense {
			if v != beta && v != -beta {
				t.Fatalf("element %d = %v, not ±%v", i, v, beta)
			}
			switch {
			case w[i] > 0 && v < 0, w[i] < 0 && v > 0:
				t.Fatalf("element %d: sign flipped (%v -> %v)", i, w[i], v)
			case w[i] == 0 && v != beta:
				t.Fatalf("element %d: zero weight mapped to %v, want +beta", i, v)
			}
		}
	}
}

func TestZeroSignConvention(t *testing.T) {
	t.Parallel()
	if ZeroSign != 1 {
		t.Fatalf("ZeroSign = %d, want +1", ZeroSign)
	}
	if Sign(0) != 1 || Sign(float32(math.Copysign(0, -1))) != 1 {
		t.Fatal("exact zeros must binarise to +1")
	}
	if Sign(-1e-30) != -1 || Sign(1e-30) != 1 {
		t.Fatal("tiny values keep their sign")
	}
}

func TestBinarizeAllZeroGivesZeroBeta(t *testing.T) {
	t.Parallel()
	b := Binarize(make([]float32, 6), 2, 3)
	if b.Beta != 0 {
		t.Fatalf("beta = %v, want 0", b.Beta)
	}
	dense := make([]float32, 6)
	b.Dense(dense)
	for _, v := range dense {
		if v != 0 {
			t.Fatalf("expected all-zero dense weights, got %v", dense)
		}
	}
}

func TestActivationRoundTripErrorBound(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))

	for trial := 0; trial < 50; trial++ {
		cols := 1 + rng.Intn(64)
		rows := 1 + rng.Intn(4)
		x := randomSlice(rng, rows*cols, math.Pow(10, float64(rng.Intn(5)-2)))

		q := make([]int8, len(x))
		scales := make([]float32, rows)
		Activations(q, scales, x, cols)
		back := make([]float32, len(x))
		Dequantize(back, q, scales, cols)

		for r := 0; r < rows; r++ {
			row := x[r*cols : (r+1)*cols]
			var maxAbs float32
			for _, v := range row {
				maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
			}
			bound := float64(maxAbs) / 127 * (1 + 1e-5)
			for i := range row {
				if d := math.Abs(float64(back[r*cols+i] - row[i])); d > bound {
					t.Fatalf("trial %d row %d elem %d: error %g exceeds %g", trial, r, i, d, bound)
				}
			}
		}
	}
}

func TestActivationsStayInInt8Range(t *testing.T) {
	t.Parallel()
	x := []float32{-127, 127, 0.5, 1.5, 2.5, -2.5}
	q := make([]int8, len(x))
	scale, degenerate := QuantizeRow(q, x)
	if degenerate {
		t.Fatal("unexpected degenerate flag")
	}
	if scale != 1 {
		t.Fatalf("scale = %v, want 1", scale)
	}
	want := []int8{-127, 127, 0, 2, 2, -2} // ties round to even
	for i := range want {
		if q[i] != want[i] {
			t.Fatalf("q[%d] = %d, want %d", i, q[i], want[i])
		}
	}
}

func TestActivationEpsilonClamp(t *testing.T) {
	t.Parallel()
	if ActivationEpsilon != 1e-5 {
		t.Fatalf("ActivationEpsilon = %g, want 1e-5", ActivationEpsilon)
	}
	x := make([]float32, 8)
	q := make([]int8, 8)
	scales := make([]float32, 2)
	n := Activations(q, scales, x, 4)
	if n != 2 {
		t.Fatalf("expected 2 degenerate rows, got %d", n)
	}
	want := float32(127) / ActivationEpsilon
	for _, s := range scales {
		if s != want || math.IsInf(float64(s), 0) || math.IsNaN(float64(s)) {
			t.Fatalf("scale = %v, want %v", s, want)
		}
	}
	for _, v := range q {
		if v != 0 {
			t.Fatalf("zero activations must stay zero, got %v", q)
		}
	}
}

func TestSTEBackwardIsIdentity(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	dy := randomSlice(rng, 32, 1)

	for _, fn := range []Function{RoundSTE{}, SignSTE{}} {
		dx := make([]float32, len(dy))
		fn.Backward(dx, dy)
		for i := range dy {
			if dx[i] != dy[i] {
				t.Fatalf("%T: dx[%d] = %v, want %v", fn, i, dx[i], dy[i])
			}
		}
	}
}

func TestSTEForward(t *testing.T) {
	t.Parallel()
	src := []float32{-1.5, -0.5, 0, 0.5, 1.5, 2.4}
	dst := make([]float32, len(src))

	RoundSTE{}.Forward(dst, src)
	wantRound := []float32{-2, 0, 0, 0, 2, 2}
	for i := range dst {
		if dst[i] != wantRound[i] {
			t.Fatalf("round[%d] = %v, want %v", i, dst[i], wantRound[i])
		}
	}

	SignSTE{}.Forward(dst, src)
	wantSign := []float32{-1, -1, 1, 1, 1, 1}
	for i := range dst {
		if dst[i] != wantSign[i] {
			t.Fatalf("sign[%d] = %v, want %v", i, dst[i], wantSign[i])
		}
	}
}

func TestPackUnpackSigns(t *testing.T) {
	t.Parallel()
	signs := []int8{1, -1, -1, 1, 1, 1, -1, 1, -1, 1}
	packed := PackSigns(signs)
	if len(packed) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(packed))
	}
	if packed[0] != 0b10011101 {
		t.Fatalf("first byte = %08b", packed[0])
	}
	got := UnpackSigns(packed, len(signs))
	for i := range signs {
		if got[i] != signs[i] {
			t.Fatalf("sign %d: got %d want %d", i, got[i], signs[i])
		}
	}
}

func TestBinarySchemeRoundTrip(t *testing.T) {
	t.Parallel()
	w := []float32{0.5, -0.25, 0, 1, -2, 0.75}
	var s BinaryScheme
	q, err := s.Quantise(w, []int{2, 3})
	if err != nil {
		t.Fatalf("Quantise: %v", err)
	}
	back, err := s.Dequantise(q)
	if err != nil {
		t.Fatalf("Dequantise: %v", err)
	}
	b := Binarize(w, 2, 3)
	want := make([]float32, len(w))
	b.Dense(want)
	for i := range want {
		if back[i] != want[i] {
			t.Fatalf("element %d: %v vs %v", i, back[i], want[i])
		}
	}
	if _, err := s.Quantise(w, []int{6}); err == nil {
		t.Fatal("expected error for 1-D input")
	}
}
