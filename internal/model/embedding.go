package model

import (
	"math/rand"

	"github.com/samcharles93/bitvit/internal/nn"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// PatchEmbedding cuts images into square patches, projects each patch with a
// BitLinear, prepends the class token and adds the positional table.
type PatchEmbedding struct {
	cfg      Config
	Proj     *nn.BitLinear // PatchDim -> LatentSize
	ClsToken *nn.Param     // [LatentSize]
	PosEmbed *nn.Param     // [SeqLen, LatentSize]
}

type embeddingCache struct {
	batch int
	proj  *nn.BitLinearCache
}

func newPatchEmbedding(cfg Config, rng *rand.Rand) *PatchEmbedding {
	e := &PatchEmbedding{
		cfg:      cfg,
		Proj:     nn.NewBitLinear("embed.proj", cfg.PatchDim(), cfg.LatentSize, true, rng),
		ClsToken: nn.NewParam("embed.cls_token", cfg.LatentSize),
		PosEmbed: nn.NewParam("embed.pos_embed", cfg.SeqLen(), cfg.LatentSize),
	}
	tensor.FillNormal(e.ClsToken.Value, rng, 0.02)
	tensor.FillNormal(e.PosEmbed.Value, rng, 0.02)
	return e
}

func (e *PatchEmbedding) Params() []*nn.Param {
	return append(e.Proj.Params(), e.ClsToken, e.PosEmbed)
}

// Patchify flattens one (C, H, W) image into (num_patches, P*P*C) rows.
// Patches are taken row-major over the grid and each patch is flattened
// row within patch, then column within patch, then channel.
func Patchify(dst, img []float32, channels, size, patch int) {
	grid := size / patch
	patchDim := patch * patch * channels
	plane := size * size
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			out := dst[(gy*grid+gx)*patchDim:]
			i := 0
			for py := 0; py < patch; py++ {
				rowOff := (gy*patch+py)*size + gx*patch
				for px := 0; px < patch; px++ {
					for c := 0; c < channels; c++ {
						out[i] = img[c*plane+rowOff+px]
						i++
					}
				}
			}
		}
	}
}

// Forward maps images (B, C, H, W) to token sequences (B, SeqLen, LatentSize).
func (e *PatchEmbedding) Forward(images *tensor.Tensor) (*tensor.Tensor, *embeddingCache) {
	cfg := e.cfg
	batch := images.Shape[0]
	imgLen := cfg.Channels * cfg.ImageSize * cfg.ImageSize
	n, seq, d := cfg.NumPatches(), cfg.SeqLen(), cfg.LatentSize

	patches := tensor.New(batch, n, cfg.PatchDim())
	tensor.Parallel(batch, func(b int) {
		Patchify(patches.Data[b*n*cfg.PatchDim():(b+1)*n*cfg.PatchDim()],
			images.Data[b*imgLen:(b+1)*imgLen], cfg.Channels, cfg.ImageSize, cfg.PatchSize)
	})
	proj, pc := e.Proj.Forward(patches)

	out := tensor.New(batch, seq, d)
	pos := e.PosEmbed.Value.Data
	for b := 0; b < batch; b++ {
		base := b * seq * d
		copy(out.Data[base:base+d], e.ClsToken.Value.Data)
		copy(out.Data[base+d:base+seq*d], proj.Data[b*n*d:(b+1)*n*d])
		tensor.Add(out.Data[base:base+seq*d], pos)
	}
	return out, &embeddingCache{batch: batch, proj: pc}
}

// Backward accumulates gradients for the projection, class token and
// positional table. Images are inputs, so no input gradient is produced.
func (e *PatchEmbedding) Backward(c *embeddingCache, dy *tensor.Tensor) {
	cfg := e.cfg
	n, seq, d := cfg.NumPatches(), cfg.SeqLen(), cfg.LatentSize

	dproj := tensor.New(c.batch, n, d)
	for b := 0; b < c.batch; b++ {
		base := b * seq * d
		tensor.Add(e.ClsToken.Grad.Data, dy.Data[base:base+d])
		tensor.Add(e.PosEmbed.Grad.Data, dy.Data[base:base+seq*d])
		copy(dproj.Data[b*n*d:(b+1)*n*d], dy.Data[base+d:base+seq*d])
	}
	e.Proj.Backward(c.proj, dproj)
}
