package checkpoint

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
	"github.com/samcharles93/bitvit/pkg/quant"
)

func tinyModel(t *testing.T, mutate ...func(*model.Config)) *model.ViT {
	t.Helper()
	cfg := model.Config{
		NumEncoders: 1,
		LatentSize:  8,
		NumHeads:    2,
		NumClasses:  3,
		ImageSize:   8,
		PatchSize:   4,
		Channels:    3,
		MLPRatio:    2,
		NormEpsilon: 1e-6,
		Seed:        3,
	}
	for _, f := range mutate {
		f(&cfg)
	}
	m, err := model.New(cfg)
	require.NoError(t, err)
	return m
}

func images(seed int64) *tensor.Tensor {
	x := tensor.New(2, 3, 8, 8)
	tensor.FillNormal(x, rand.New(rand.NewSource(seed)), 1)
	return x
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	m := tinyModel(t)
	path := filepath.Join(t.TempDir(), "ckpt", "model.safetensors")
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := Meta{RunID: "run-1", Step: 40, Epoch: 2, Accuracy: 61.5, CreatedAt: created}

	require.NoError(t, Save(path, m, meta, F32))
	loaded, got, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, m.Config(), loaded.Config())
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, 40, got.Step)
	require.Equal(t, 2, got.Epoch)
	require.InDelta(t, 61.5, got.Accuracy, 1e-9)
	require.Equal(t, formatFull, got.Format)
	require.True(t, created.Equal(got.CreatedAt))

	for name, p := range m.Parameters().All() {
		q, ok := loaded.Parameters().Get(name)
		require.True(t, ok, name)
		require.Equal(t, p.Value.Data, q.Value.Data, name)
	}

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveReducedPrecision(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		dt  DType
		tol float64
	}{
		{F16, 1e-3},
		{BF16, 1e-2},
	} {
		t.Run(string(tc.dt), func(t *testing.T) {
			t.Parallel()
			m := tinyModel(t)
			path := filepath.Join(t.TempDir(), "m.safetensors")
			require.NoError(t, Save(path, m, Meta{}, tc.dt))

			f, err := Open(path)
			require.NoError(t, err)
			require.Equal(t, tc.dt, f.Tensors["embed.pos_embed"].DType)

			loaded, _, err := Load(path)
			require.NoError(t, err)
			for name, p := range m.Parameters().All() {
				q, _ := loaded.Parameters().Get(name)
				for i, v := range p.Value.Data {
					require.InDelta(t, v, q.Value.Data[i], tc.tol*(1+abs(v)), "%s[%d]", name, i)
				}
			}
		})
	}
}

func abs(v float32) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

func TestLoadIntoMissingTensorSuggests(t *testing.T) {
	t.Parallel()
	m := tinyModel(t)
	w := NewWriter()
	for k, v := range m.Config().Metadata() {
		w.SetMetadata(k, v)
	}
	for name, p := range m.Parameters().All() {
		if name == "head.out.weight" {
			name = "head.out.wieght"
		}
		require.NoError(t, w.AddFloat32(name, F32, p.Shape(), p.Value.Data))
	}
	path := filepath.Join(t.TempDir(), "typo.safetensors")
	require.NoError(t, w.WriteFile(path))

	_, err := LoadInto(path, tinyModel(t))
	require.ErrorIs(t, err, ErrMissingTensor)
	require.ErrorContains(t, err, `did you mean "head.out.wieght"?`)
}

func TestLoadIntoRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, Save(path, tinyModel(t), Meta{}, F32))

	other := tinyModel(t, func(c *model.Config) { c.NumClasses = 5 })
	_, err := LoadInto(path, other)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestLoadIntoRejectsExtraTensors(t *testing.T) {
	t.Parallel()
	m := tinyModel(t)
	w := newModelWriter(m, Meta{}, formatFull)
	for name, p := range m.Parameters().All() {
		require.NoError(t, w.AddFloat32(name, F32, p.Shape(), p.Value.Data))
	}
	require.NoError(t, w.AddFloat32("stray", F32, []int{1}, []float32{1}))
	path := filepath.Join(t.TempDir(), "extra.safetensors")
	require.NoError(t, w.WriteFile(path))

	_, err := LoadInto(path, m)
	require.ErrorIs(t, err, ErrUnexpectedTensor)
}

func snapshot(m *model.ViT) map[string][]float32 {
	out := make(map[string][]float32)
	for name, p := range m.Parameters().All() {
		out[name] = append([]float32(nil), p.Value.Data...)
	}
	return out
}

func TestFailedLoadIntoLeavesModelUntouched(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reseed := func(c *model.Config) { c.Seed = 99 }

	wider := filepath.Join(dir, "five-class.safetensors")
	require.NoError(t, Save(wider, tinyModel(t, reseed, func(c *model.Config) { c.NumClasses = 5 }), Meta{}, F32))

	src := tinyModel(t, reseed)
	names := src.Parameters().Names()
	w := newModelWriter(src, Meta{}, formatFull)
	for _, name := range names[:len(names)-1] {
		p, _ := src.Parameters().Get(name)
		require.NoError(t, w.AddFloat32(name, F32, p.Shape(), p.Value.Data))
	}
	truncated := filepath.Join(dir, "truncated.safetensors")
	require.NoError(t, w.WriteFile(truncated))

	exported := filepath.Join(dir, "binary.safetensors")
	bw := newModelWriter(src, Meta{}, formatBinary)
	bw.SetMetadata("quant_scheme", quant.BinaryScheme{}.Name())
	binary := binaryWeights(src)
	for name, p := range src.Parameters().All() {
		if !binary[name] {
			require.NoError(t, bw.AddFloat32(name, F32, p.Shape(), p.Value.Data))
		}
	}
	require.NoError(t, bw.WriteFile(exported))

	tests := []struct {
		name string
		path string
		want error
	}{
		{"shape mismatch late in file", wider, model.ErrShapeMismatch},
		{"last tensor missing", truncated, ErrMissingTensor},
		{"binary weights missing", exported, ErrMissingTensor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := tinyModel(t)
			before := snapshot(dst)
			_, err := LoadInto(tt.path, dst)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, before, snapshot(dst))
		})
	}
}

func TestExportBinaryPreservesEvalOutputs(t *testing.T) {
	t.Parallel()
	m := tinyModel(t)
	path := filepath.Join(t.TempDir(), "bin.safetensors")
	require.NoError(t, ExportBinary(path, m, Meta{RunID: "r"}))

	f, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "bitnet-b1", f.Metadata["quant_scheme"])
	info, ok := f.Tensors["blocks.0.ffn.up.weight.signs"]
	require.True(t, ok)
	require.Equal(t, U8, info.DType)
	require.Equal(t, []int{16 * 8 / 8}, info.Shape)
	_, ok = f.Tensors["blocks.0.ffn.up.weight"]
	require.False(t, ok)

	loaded, meta, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, formatBinary, meta.Format)

	x := images(9)
	want, err := m.Forward(x)
	require.NoError(t, err)
	got, err := loaded.Forward(x)
	require.NoError(t, err)
	for i := range want.Data {
		require.InDelta(t, want.Data[i], got.Data[i], 1e-4)
	}
}

func TestWriterHeaderAlignment(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	w.SetMetadata("k", "v")
	require.NoError(t, w.AddFloat32("a", F32, []int{3}, []float32{1, 2, 3}))
	require.NoError(t, w.AddRaw("b", U8, []int{2}, []byte{7, 9}))
	require.Error(t, w.AddRaw("b", U8, []int{1}, []byte{1}))
	require.Error(t, w.AddFloat32("c", F32, []int{2}, []float32{1}))
	require.Error(t, w.AddRaw(metadataKey, U8, []int{1}, []byte{1}))

	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	hdrLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	require.Zero(t, hdrLen%8)

	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	f, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"k": "v"}, f.Metadata)
	require.Equal(t, []string{"a", "b"}, f.Names())

	a, _, err := f.ReadTensorF32("a")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, a)
	b, _, err := f.ReadTensor("b")
	require.NoError(t, err)
	require.Equal(t, []byte{7, 9}, b)
	_, _, err = f.ReadTensorF32("b")
	require.Error(t, err)
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"": F32, "f32": F32, "F16": F16, "bf16": BF16, "bfloat16": BF16} {
		got, err := ParseDType(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseDType("int4")
	require.Error(t, err)
}
