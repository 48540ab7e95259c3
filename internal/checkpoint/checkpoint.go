// Package checkpoint persists ViT parameters as safetensors files whose
// header metadata carries the model config and training progress.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/nn"
)

var (
	ErrMissingTensor    = errors.New("missing tensor")
	ErrUnexpectedTensor = errors.New("unexpected tensor")
)

const (
	formatFull   = "bitvit"
	formatBinary = "bitvit-binary"
)

// Meta is the training state stored next to the weights.
type Meta struct {
	RunID     string
	Step      int
	Epoch     int
	Accuracy  float64
	Format    string
	CreatedAt time.Time
}

func (m Meta) apply(w *Writer) {
	if m.RunID != "" {
		w.SetMetadata("run_id", m.RunID)
	}
	w.SetMetadata("step", strconv.Itoa(m.Step))
	w.SetMetadata("epoch", strconv.Itoa(m.Epoch))
	w.SetMetadata("accuracy", strconv.FormatFloat(m.Accuracy, 'f', -1, 64))
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	w.SetMetadata("created_at", created.UTC().Format(time.RFC3339))
}

func decodeMeta(md map[string]string) Meta {
	m := Meta{RunID: md["run_id"], Format: md["format"]}
	m.Step, _ = strconv.Atoi(md["step"])
	m.Epoch, _ = strconv.Atoi(md["epoch"])
	m.Accuracy, _ = strconv.ParseFloat(md["accuracy"], 64)
	m.CreatedAt, _ = time.Parse(time.RFC3339, md["created_at"])
	return m
}

func newModelWriter(m *model.ViT, meta Meta, format string) *Writer {
	w := NewWriter()
	for k, v := range m.Config().Metadata() {
		w.SetMetadata(k, v)
	}
	meta.apply(w)
	w.SetMetadata("format", format)
	return w
}

// Save writes every parameter of m, converted to dt, plus the config and
// meta. The file is replaced atomically.
func Save(path string, m *model.ViT, meta Meta, dt DType) error {
	w := newModelWriter(m, meta, formatFull)
	w.SetMetadata("dtype", string(dt))
	for name, p := range m.Parameters().All() {
		if err := w.AddFloat32(name, dt, p.Shape(), p.Value.Data); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// Load rebuilds a model from the config in the file header and fills its
// parameters. Both full and binary exports are accepted.
func Load(path string, opts ...model.Option) (*model.ViT, Meta, error) {
	f, err := Open(path)
	if err != nil {
		return nil, Meta{}, err
	}
	cfg, err := model.ConfigFromMetadata(f.Metadata)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	m, err := model.New(cfg, opts...)
	if err != nil {
		return nil, Meta{}, err
	}
	meta, err := loadFile(f, m)
	if err != nil {
		return nil, Meta{}, err
	}
	return m, meta, nil
}

// ReadMeta returns the training state stored in a checkpoint without
// loading any tensors.
func ReadMeta(path string) (Meta, error) {
	f, err := Open(path)
	if err != nil {
		return Meta{}, err
	}
	return decodeMeta(f.Metadata), nil
}

// LoadInto fills an existing model. Every parameter must be present with
// the same shape and the file may not hold extra tensors.
func LoadInto(path string, m *model.ViT) (Meta, error) {
	f, err := Open(path)
	if err != nil {
		return Meta{}, err
	}
	return loadFile(f, m)
}

// stagedParam is a decoded tensor waiting to be copied into the model.
type stagedParam struct {
	p    *nn.Param
	data []float32
}

// loadFile decodes and validates every tensor before touching m, so a
// failed load leaves the model as it was.
func loadFile(f *File, m *model.ViT) (Meta, error) {
	meta := decodeMeta(f.Metadata)
	var (
		staged []stagedParam
		err    error
	)
	switch meta.Format {
	case formatBinary:
		staged, err = loadBinary(f, m)
	case "", formatFull:
		staged, err = loadFull(f, m)
	default:
		err = fmt.Errorf("checkpoint %s: unknown format %q", f.Path, meta.Format)
	}
	if err != nil {
		return meta, err
	}
	for _, s := range staged {
		copy(s.p.Value.Data, s.data)
	}
	return meta, nil
}

// checkUnexpected rejects tensors in f that are not in expected.
func checkUnexpected(f *File, expected map[string]struct{}) error {
	for _, name := range f.Names() {
		if _, ok := expected[name]; !ok {
			return fmt.Errorf("checkpoint %s: %w %q", f.Path, ErrUnexpectedTensor, name)
		}
	}
	return nil
}

func loadFull(f *File, m *model.ViT) ([]stagedParam, error) {
	params := m.Parameters()
	expected := make(map[string]struct{}, params.Len())
	for _, name := range params.Names() {
		expected[name] = struct{}{}
	}
	staged := make([]stagedParam, 0, params.Len())
	for name, p := range params.All() {
		data, err := readParam(f, name, p)
		if err != nil {
			return nil, err
		}
		staged = append(staged, stagedParam{p: p, data: data})
	}
	if err := checkUnexpected(f, expected); err != nil {
		return nil, err
	}
	return staged, nil
}

// readParam decodes the tensor stored under name after checking it exists
// and matches p's shape. p itself is not modified.
func readParam(f *File, name string, p *nn.Param) ([]float32, error) {
	info, ok := f.Tensors[name]
	if !ok {
		err := fmt.Errorf("checkpoint %s: %w %q", f.Path, ErrMissingTensor, name)
		if s := suggest(name, f.Names()); s != "" {
			err = fmt.Errorf("%w (did you mean %q?)", err, s)
		}
		return nil, err
	}
	if !slices.Equal(info.Shape, p.Shape()) {
		return nil, &model.ShapeError{Op: "checkpoint " + name, Want: p.Shape(), Got: info.Shape}
	}
	data, _, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(data) != len(p.Value.Data) {
		return nil, fmt.Errorf("checkpoint %s: %s decoded to %d values, want %d", f.Path, name, len(data), len(p.Value.Data))
	}
	return data, nil
}

// suggest returns the candidate closest to name in edit distance, or "" if
// nothing is reasonably close.
func suggest(name string, candidates []string) string {
	best, bestDist := "", len(name)/2+1
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
