package checkpoint

import (
	"fmt"

	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/pkg/quant"
)

const (
	signsSuffix = ".signs"
	betaSuffix  = ".beta"
)

// ExportBinary writes an inference checkpoint: every BitLinear weight is
// stored as packed sign bits (U8) plus its beta scale, everything else as
// F32. Loading it back yields a model with identical eval-mode outputs.
func ExportBinary(path string, m *model.ViT, meta Meta) error {
	var scheme quant.BinaryScheme
	w := newModelWriter(m, meta, formatBinary)
	w.SetMetadata("quant_scheme", scheme.Name())

	binary := binaryWeights(m)
	for name, p := range m.Parameters().All() {
		if !binary[name] {
			if err := w.AddFloat32(name, F32, p.Shape(), p.Value.Data); err != nil {
				return err
			}
			continue
		}
		qt, err := scheme.Quantise(p.Value.Data, p.Shape())
		if err != nil {
			return fmt.Errorf("checkpoint: export %s: %w", name, err)
		}
		if err := w.AddRaw(name+signsSuffix, U8, []int{len(qt.Data)}, qt.Data); err != nil {
			return err
		}
		if err := w.AddFloat32(name+betaSuffix, F32, []int{1}, qt.Scales); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

func binaryWeights(m *model.ViT) map[string]bool {
	out := make(map[string]bool)
	for _, l := range m.BitLinears() {
		out[l.Weight.Name] = true
	}
	return out
}

func loadBinary(f *File, m *model.ViT) ([]stagedParam, error) {
	var scheme quant.BinaryScheme
	if s := f.Metadata["quant_scheme"]; s != scheme.Name() {
		return nil, fmt.Errorf("checkpoint %s: unsupported quant scheme %q", f.Path, s)
	}
	binary := binaryWeights(m)
	params := m.Parameters()
	expected := make(map[string]struct{}, params.Len()+len(binary))
	for _, name := range params.Names() {
		if binary[name] {
			expected[name+signsSuffix] = struct{}{}
			expected[name+betaSuffix] = struct{}{}
		} else {
			expected[name] = struct{}{}
		}
	}
	staged := make([]stagedParam, 0, params.Len())
	for name, p := range params.All() {
		if !binary[name] {
			data, err := readParam(f, name, p)
			if err != nil {
				return nil, err
			}
			staged = append(staged, stagedParam{p: p, data: data})
			continue
		}
		signs, _, err := f.ReadTensor(name + signsSuffix)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMissingTensor, err)
		}
		beta, _, err := f.ReadTensorF32(name + betaSuffix)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMissingTensor, err)
		}
		dense, err := scheme.Dequantise(quant.QuantTensor{Shape: p.Shape(), Scales: beta, Data: signs})
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %s: %w", f.Path, name, err)
		}
		if len(dense) != len(p.Value.Data) {
			return nil, fmt.Errorf("checkpoint %s: %s decoded to %d values, want %d", f.Path, name, len(dense), len(p.Value.Data))
		}
		staged = append(staged, stagedParam{p: p, data: dense})
	}
	if err := checkUnexpected(f, expected); err != nil {
		return nil, err
	}
	return staged, nil
}
