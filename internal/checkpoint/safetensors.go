package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

// DType is a safetensors element type.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	U8   DType = "U8"
)

// Size is the byte width of one element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		return 0
	}
}

// ParseDType accepts the lower- or upper-case names of the float storage
// types a checkpoint can be saved in.
func ParseDType(s string) (DType, error) {
	switch s {
	case "", "f32", "F32", "float32":
		return F32, nil
	case "f16", "F16", "float16":
		return F16, nil
	case "bf16", "BF16", "bfloat16":
		return BF16, nil
	default:
		return "", fmt.Errorf("checkpoint: unsupported dtype %q (want f32, f16 or bf16)", s)
	}
}

type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Tensor bytes are read lazily.
type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read header length: %w", err)
	}
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("checkpoint: header length %d is implausible", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("checkpoint: read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}

	var md map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &md); err != nil {
			return nil, fmt.Errorf("checkpoint: parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("checkpoint: parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("checkpoint: tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Metadata:  md,
		Tensors:   tensors,
	}, nil
}

// Names lists tensors in file order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := f.Tensors[names[i]], f.Tensors[names[j]]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return names[i] < names[j]
	})
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor not found: %s", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a float tensor and widens it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: %w", name, err)
	}
	if info.DType == U8 || info.DType.Size() == 0 {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: unsupported float dtype %s", name, info.DType)
	}
	if len(raw) != n*info.DType.Size() {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: tensor %s: %d bytes for %d %s elements", name, len(raw), n, info.DType)
	}
	return decodeFloats(info.DType, raw), info, nil
}

func decodeFloats(dt DType, raw []byte) []float32 {
	switch dt {
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out
	case BF16:
		return bfloat16.DecodeFloat32(raw)
	default:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	}
}

func encodeFloats(dt DType, data []float32) []byte {
	switch dt {
	case F16:
		out := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	case BF16:
		return bfloat16.EncodeFloat32(data)
	default:
		out := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Writer accumulates tensors and metadata and serialises them as one
// safetensors file, tensors laid out in the order they were added.
type Writer struct {
	names    []string
	headers  map[string]tensorHeader
	blobs    [][]byte
	offset   int64
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		headers:  make(map[string]tensorHeader),
		metadata: make(map[string]string),
	}
}

// SetMetadata records a free-form string pair in the header.
func (w *Writer) SetMetadata(key, value string) {
	w.metadata[key] = value
}

// AddFloat32 stores data with the given shape, converted to dt.
func (w *Writer) AddFloat32(name string, dt DType, shape []int, data []float32) error {
	if dt == U8 || dt.Size() == 0 {
		return fmt.Errorf("checkpoint: %s is not a float dtype", dt)
	}
	n, err := numElements(shape)
	if err != nil || n != len(data) {
		return fmt.Errorf("checkpoint: tensor %s: shape %v does not match %d elements", name, shape, len(data))
	}
	return w.AddRaw(name, dt, shape, encodeFloats(dt, data))
}

// AddRaw stores already encoded bytes.
func (w *Writer) AddRaw(name string, dt DType, shape []int, data []byte) error {
	if name == metadataKey {
		return fmt.Errorf("checkpoint: %q is reserved", name)
	}
	if _, dup := w.headers[name]; dup {
		return fmt.Errorf("checkpoint: duplicate tensor %s", name)
	}
	n, err := numElements(shape)
	if err != nil || n*dt.Size() != len(data) {
		return fmt.Errorf("checkpoint: tensor %s: %d bytes do not fit %s%v", name, len(data), dt, shape)
	}
	end := w.offset + int64(len(data))
	w.names = append(w.names, name)
	w.headers[name] = tensorHeader{DType: dt, Shape: slices.Clone(shape), DataOffsets: []int64{w.offset, end}}
	w.blobs = append(w.blobs, data)
	w.offset = end
	return nil
}

func (w *Writer) header() ([]byte, error) {
	raw := make(map[string]any, len(w.headers)+1)
	for name, h := range w.headers {
		raw[name] = h
	}
	if len(w.metadata) > 0 {
		raw[metadataKey] = w.metadata
	}
	hdr, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	if pad := (8 - len(hdr)%8) % 8; pad > 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), pad)...)
	}
	return hdr, nil
}

// WriteTo streams the file to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	hdr, err := w.header()
	if err != nil {
		return 0, fmt.Errorf("checkpoint: encode header: %w", err)
	}
	var n int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range append([][]byte{lenBuf[:], hdr}, w.blobs...) {
		m, err := out.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// WriteFile writes the file atomically: a temporary sibling is written,
// synced and renamed over path.
func (w *Writer) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
