package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRecord builds a CIFAR record whose red plane is constant r, green
// encodes the column and blue the row.
func fakeRecord(label int, r byte) []byte {
	rec := make([]byte, cifarRecord)
	rec[0] = byte(label)
	px := rec[1:]
	for y := 0; y < CIFARSide; y++ {
		for x := 0; x < CIFARSide; x++ {
			o := y*CIFARSide + x
			px[o] = r
			px[1024+o] = byte(x * 8)
			px[2048+o] = byte(y * 8)
		}
	}
	return rec
}

func writeBatch(t *testing.T, path string, labels ...int) {
	t.Helper()
	var buf bytes.Buffer
	for i, l := range labels {
		buf.Write(fakeRecord(l, byte(i)))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadCIFAR10(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "cifar-10-batches-bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeBatch(t, filepath.Join(dir, "data_batch_1.bin"), 0, 1, 2)
	writeBatch(t, filepath.Join(dir, "data_batch_2.bin"), 9)
	writeBatch(t, filepath.Join(dir, "test_batch.bin"), 4, 5)

	train, err := LoadCIFAR10(filepath.Dir(dir), true)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 9}, train.Labels)
	require.Equal(t, byte(2), train.Image(2)[0])

	test, err := LoadCIFAR10(dir, false)
	require.NoError(t, err)
	require.Equal(t, 2, test.Len())

	_, err = LoadCIFAR10(t.TempDir(), true)
	require.ErrorIs(t, err, ErrNoData)
}

func TestReadCIFARBatchRejectsBadData(t *testing.T) {
	t.Parallel()
	var d CIFAR10
	require.Error(t, d.ReadCIFARBatch(bytes.NewReader(fakeRecord(0, 0)[:100])))
	require.Error(t, d.ReadCIFARBatch(bytes.NewReader(fakeRecord(12, 0))))
}

func TestBalancedSubset(t *testing.T) {
	t.Parallel()
	labels := make([]int, 100)
	for i := range labels {
		labels[i] = i % 10
	}
	idx := BalancedSubset(labels, 10, 0.2, rand.New(rand.NewSource(1)))
	require.Len(t, idx, 20)
	counts := make([]int, 10)
	for _, i := range idx {
		counts[labels[i]]++
	}
	for c, n := range counts {
		require.Equal(t, 2, n, "class %d", c)
	}
	require.Len(t, BalancedSubset(labels, 10, 1, nil), 100)
}

func TestTransformWithoutAugmentation(t *testing.T) {
	t.Parallel()
	raw := fakeRecord(0, 51)[1:]
	tr := CIFARTransform(CIFARSide, false)
	dst := make([]float32, cifarPixels)
	tr.ApplyRaw(dst, raw, tr.Sample(nil))

	wantR := (float32(51)/255 - CIFARMean[0]) / CIFARStd[0]
	require.InDelta(t, wantR, dst[0], 1e-5)
	// Green plane, column 3.
	wantG := (float32(24)/255 - CIFARMean[1]) / CIFARStd[1]
	require.InDelta(t, wantG, dst[1024+3], 1e-5)
}

func TestTransformFlipAndShift(t *testing.T) {
	t.Parallel()
	raw := fakeRecord(0, 0)[1:]
	tr := CIFARTransform(CIFARSide, true)
	dst := make([]float32, cifarPixels)
	green := func(x int) float32 { return (float32(x*8)/255 - CIFARMean[1]) / CIFARStd[1] }

	tr.ApplyRaw(dst, raw, Augmentation{Flip: true})
	require.InDelta(t, green(31), dst[1024], 1e-5)

	tr.ApplyRaw(dst, raw, Augmentation{DX: 2})
	require.InDelta(t, green(2), dst[1024], 1e-5)
	// Pixels shifted in from outside the image are black.
	require.InDelta(t, (0-CIFARMean[1])/CIFARStd[1], dst[1024+31], 1e-5)

	aug := tr.Sample(rand.New(rand.NewSource(3)))
	require.LessOrEqual(t, math.Abs(float64(aug.DX)), 4.0)
	require.LessOrEqual(t, math.Abs(float64(aug.DY)), 4.0)
}

func TestTransformResizes(t *testing.T) {
	t.Parallel()
	raw := fakeRecord(0, 255)[1:]
	tr := CIFARTransform(64, false)
	dst := make([]float32, 3*64*64)
	tr.ApplyRaw(dst, raw, Augmentation{})
	want := (1 - CIFARMean[0]) / CIFARStd[0]
	for _, v := range dst[:64*64] {
		require.InDelta(t, want, v, 0.03)
	}
}

func TestLoaderBatches(t *testing.T) {
	t.Parallel()
	var d CIFAR10
	for i := 0; i < 10; i++ {
		require.NoError(t, d.ReadCIFARBatch(bytes.NewReader(fakeRecord(i, byte(i)))))
	}
	l := NewLoader(&d, nil, 4, CIFARTransform(16, true), true, 9)
	require.Equal(t, 10, l.Len())
	require.Equal(t, 3, l.NumBatches())

	var sizes []int
	var seen []int
	for b := range l.Batches(0) {
		sizes = append(sizes, len(b.Labels))
		require.Equal(t, []int{len(b.Labels), 3, 16, 16}, b.Images.Shape)
		seen = append(seen, b.Labels...)
	}
	require.Equal(t, []int{4, 4, 2}, sizes)
	require.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	// Same epoch, same batches; early break is honoured.
	var first, again []int
	for b := range l.Batches(1) {
		first = b.Labels
		break
	}
	for b := range l.Batches(1) {
		again = b.Labels
		break
	}
	require.Equal(t, first, again)
}

func TestDecodeAndLoadImageFiles(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 10, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "red.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, format, err := DecodeImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "png", format)

	tr := CIFARTransform(8, false)
	x, err := tr.LoadImageFiles([]string{path, path})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 8, 8}, x.Shape)
	require.InDelta(t, (1-CIFARMean[0])/CIFARStd[0], x.Data[0], 0.03)
	require.InDelta(t, (0-CIFARMean[1])/CIFARStd[1], x.Data[64], 0.03)

	_, _, err = DecodeImage(bytes.NewReader([]byte("not an image")))
	require.Error(t, err)
}
