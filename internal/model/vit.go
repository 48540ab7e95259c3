// Package model implements a Vision Transformer whose linear layers are
// BitLinear units: 1-bit weights, 8-bit activations, trained through
// straight-through gradients.
package model

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// ViT is the full classifier. Forward in evaluation mode only reads
// parameters and may be called concurrently; training-mode passes draw
// dropout masks from a per-model generator and must not overlap.
type ViT struct {
	cfg    Config
	Embed  *PatchEmbedding
	Blocks []*EncoderBlock
	Head   *Head

	params   *nn.ParamSet
	training bool
	dropRNG  *rand.Rand
	log      logger.Logger
}

// Trace is the forward state that Backward consumes.
type Trace struct {
	batch  int
	embed  *embeddingCache
	blocks []*blockCache
	head   *headCache
}

type options struct {
	log         logger.Logger
	dropoutSeed *int64
}

// Option customises New.
type Option func(*options)

// WithLogger routes model diagnostics (degenerate activation scales) to log.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDropoutSeed seeds the dropout generator independently of the
// parameter initialisation seed. Data-parallel replicas use it so each
// replica draws different masks.
func WithDropoutSeed(seed int64) Option {
	return func(o *options) { o.dropoutSeed = &seed }
}

// New validates cfg and builds a model initialised deterministically from
// cfg.Seed. The model starts in evaluation mode.
func New(cfg Config, opts ...Option) (*ViT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	dropSeed := cfg.Seed + 1
	if o.dropoutSeed != nil {
		dropSeed = *o.dropoutSeed
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &ViT{
		cfg:     cfg,
		Embed:   newPatchEmbedding(cfg, rng),
		Blocks:  make([]*EncoderBlock, cfg.NumEncoders),
		params:  nn.NewParamSet(),
		dropRNG: rand.New(rand.NewSource(dropSeed)),
		log:     o.log,
	}
	for i := range m.Blocks {
		m.Blocks[i] = newEncoderBlock(i, cfg, rng)
	}
	m.Head = newHead(cfg, rng)

	m.params.Add(m.Embed.Params()...)
	for _, blk := range m.Blocks {
		m.params.Add(blk.Params()...)
	}
	m.params.Add(m.Head.Params()...)

	for _, l := range m.BitLinears() {
		l.SetLogger(o.log.With("component", "bitlinear"))
	}
	return m, nil
}

// Config returns the validated configuration.
func (m *ViT) Config() Config { return m.cfg }

// Parameters returns every trainable tensor in construction order.
func (m *ViT) Parameters() *nn.ParamSet { return m.params }

// SetTraining toggles dropout.
func (m *ViT) SetTraining(training bool) { m.training = training }

// Training reports whether dropout is active.
func (m *ViT) Training() bool { return m.training }

// ZeroGrad clears every parameter gradient.
func (m *ViT) ZeroGrad() { m.params.ZeroGrad() }

// DegenerateTokens sums the epsilon-clamped activation rows seen by every
// BitLinear in the model.
func (m *ViT) DegenerateTokens() int64 {
	var n int64
	for _, l := range m.BitLinears() {
		n += l.DegenerateTokens()
	}
	return n
}

// BitLinears lists every quantized projection in parameter order.
func (m *ViT) BitLinears() []*nn.BitLinear {
	ls := []*nn.BitLinear{m.Embed.Proj}
	for _, blk := range m.Blocks {
		ls = append(ls, blk.bitLinears()...)
	}
	return append(ls, m.Head.Hidden, m.Head.Out)
}

// CheckInput validates an image batch (B, C, H, W) against the config.
func (m *ViT) CheckInput(images *tensor.Tensor) error {
	want := append([]int{-1}, m.cfg.InputShape()...)
	if images == nil {
		return &ShapeError{Op: "vit forward", Want: want}
	}
	if images.Dims() != 4 || images.Shape[0] < 1 || !slices.Equal(images.Shape[1:], want[1:]) {
		return &ShapeError{Op: "vit forward", Want: want, Got: slices.Clone(images.Shape)}
	}
	return nil
}

// Forward maps images (B, C, H, W) to logits (B, num_classes).
func (m *ViT) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	logits, _, err := m.ForwardTrain(images)
	return logits, err
}

// ForwardTrain is Forward that also returns the trace Backward needs.
func (m *ViT) ForwardTrain(images *tensor.Tensor) (*tensor.Tensor, *Trace, error) {
	if err := m.CheckInput(images); err != nil {
		return nil, nil, err
	}
	batch := images.Shape[0]
	seq, d := m.cfg.SeqLen(), m.cfg.LatentSize
	tr := &Trace{batch: batch, blocks: make([]*blockCache, len(m.Blocks))}

	x, ec := m.Embed.Forward(images)
	tr.embed = ec
	for i, blk := range m.Blocks {
		x, tr.blocks[i] = blk.Forward(x, m.training, m.dropRNG)
	}

	cls := tensor.New(batch, d)
	for b := 0; b < batch; b++ {
		copy(cls.Row(b), x.Data[b*seq*d:b*seq*d+d])
	}
	logits, hc := m.Head.Forward(cls)
	tr.head = hc
	return logits, tr, nil
}

// Backward accumulates parameter gradients for dlogits (B, num_classes).
func (m *ViT) Backward(tr *Trace, dlogits *tensor.Tensor) error {
	if tr == nil {
		return fmt.Errorf("vit backward: nil trace")
	}
	want := []int{tr.batch, m.cfg.NumClasses}
	if !slices.Equal(dlogits.Shape, want) {
		return &ShapeError{Op: "vit backward", Want: want, Got: slices.Clone(dlogits.Shape)}
	}
	seq, d := m.cfg.SeqLen(), m.cfg.LatentSize

	dcls := m.Head.Backward(tr.head, dlogits)
	dx := tensor.New(tr.batch, seq, d)
	for b := 0; b < tr.batch; b++ {
		copy(dx.Data[b*seq*d:b*seq*d+d], dcls.Row(b))
	}
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx = m.Blocks[i].Backward(tr.blocks[i], dx)
	}
	m.Embed.Backward(tr.embed, dx)
	return nil
}

// CopyFrom overwrites every parameter value with src's. Both models must
// share the same parameter names and shapes.
func (m *ViT) CopyFrom(src *ViT) error {
	if m.params.Len() != src.params.Len() {
		return fmt.Errorf("vit copy: %d parameters, source has %d", m.params.Len(), src.params.Len())
	}
	for name, p := range m.params.All() {
		sp, ok := src.params.Get(name)
		if !ok {
			return fmt.Errorf("vit copy: source has no parameter %q", name)
		}
		if !tensor.SameShape(p.Value, sp.Value) {
			return &ShapeError{Op: "vit copy " + name, Want: p.Shape(), Got: sp.Shape()}
		}
		p.Value.CopyFrom(sp.Value)
	}
	return nil
}

// Clone returns an independent model with the same config and parameter
// values. opts apply to the copy.
func (m *ViT) Clone(opts ...Option) (*ViT, error) {
	c, err := New(m.cfg, append([]Option{WithLogger(m.log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := c.CopyFrom(m); err != nil {
		return nil, err
	}
	c.training = m.training
	return c, nil
}
