package checkpoint

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/nn"
)

// ImportReport lists what ImportTorch did with each state-dict entry.
type ImportReport struct {
	Loaded  []string // model parameter names that were written
	Skipped []string // state-dict keys with no counterpart (LayerNorm biases)
}

// torchTarget is one destination of a state-dict entry. The source is cut
// into `of` equal parts and part `part` goes to param; broadcast repeats a
// single source row over every row of the target.
type torchTarget struct {
	param     string
	part, of  int
	broadcast bool
}

var encoderKey = regexp.MustCompile(`^encoder_stack\.(\d+)\.(.+)$`)

// mapTorchName translates a key of the PyTorch BitNet ViT state dict into
// model parameter names. A nil result with ok set means the key is
// recognised but has no counterpart.
func mapTorchName(key string) (targets []torchTarget, ok bool) {
	key = strings.TrimPrefix(key, "module.")
	one := func(name string) []torchTarget { return []torchTarget{{param: name, of: 1}} }

	switch key {
	case "input_embedding.bitlinearProjection.weight":
		return one("embed.proj.weight"), true
	case "input_embedding.bitlinearProjection.bias":
		return one("embed.proj.bias"), true
	case "input_embedding.class_token":
		return one("embed.cls_token"), true
	case "input_embedding.pos_embedding":
		return []torchTarget{{param: "embed.pos_embed", of: 1, broadcast: true}}, true
	case "mlp_head.0.weight":
		return one("head.norm.gain"), true
	case "mlp_head.0.bias":
		return nil, true
	}
	if rest, found := strings.CutPrefix(key, "mlp_head."); found {
		switch {
		case strings.HasPrefix(rest, "1."):
			return one("head.hidden." + rest[2:]), true
		case strings.HasPrefix(rest, "3."):
			return one("head.out." + rest[2:]), true
		}
		return nil, false
	}

	match := encoderKey.FindStringSubmatch(key)
	if match == nil {
		return nil, false
	}
	layer, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, false
	}
	p := fmt.Sprintf("blocks.%d.", layer)
	switch sub := match[2]; sub {
	case "norm.weight":
		// One shared LayerNorm in the source feeds both pre-norms.
		return []torchTarget{{param: p + "norm1.gain", of: 1}, {param: p + "norm2.gain", of: 1}}, true
	case "norm.bias":
		return nil, true
	case "multihead.in_proj_weight", "multihead.in_proj_bias":
		suffix := "weight"
		if strings.HasSuffix(sub, "bias") {
			suffix = "bias"
		}
		return []torchTarget{
			{param: p + "attn.q." + suffix, part: 0, of: 3},
			{param: p + "attn.k." + suffix, part: 1, of: 3},
			{param: p + "attn.v." + suffix, part: 2, of: 3},
		}, true
	case "multihead.out_proj.weight":
		return one(p + "attn.o.weight"), true
	case "multihead.out_proj.bias":
		return one(p + "attn.o.bias"), true
	case "enc_MLP.0.weight", "enc_MLP.0.bias":
		return one(p + "ffn.up." + strings.TrimPrefix(sub, "enc_MLP.0.")), true
	case "enc_MLP.3.weight", "enc_MLP.3.bias":
		return one(p + "ffn.down." + strings.TrimPrefix(sub, "enc_MLP.3.")), true
	}
	return nil, false
}

// assign copies src (n elements) into the target parameter.
func assign(params *nn.ParamSet, t torchTarget, key string, src []float32) error {
	p, ok := params.Get(t.param)
	if !ok {
		return fmt.Errorf("checkpoint: torch key %s maps to unknown parameter %s", key, t.param)
	}
	dst := p.Value.Data
	if t.broadcast {
		row := p.Shape()[len(p.Shape())-1]
		switch len(src) {
		case row:
			for off := 0; off < len(dst); off += row {
				copy(dst[off:off+row], src)
			}
			return nil
		case len(dst):
			copy(dst, src)
			return nil
		}
		return &model.ShapeError{Op: "torch import " + key, Want: p.Shape(), Got: []int{len(src)}}
	}
	if len(src) != len(dst)*t.of {
		return &model.ShapeError{Op: "torch import " + key, Want: []int{len(dst) * t.of}, Got: []int{len(src)}}
	}
	copy(dst, src[t.part*len(dst):(t.part+1)*len(dst)])
	return nil
}

// ImportTorch loads a PyTorch state dict saved from the reference BitNet
// ViT into m. The torch model uses a single LayerNorm per block and a
// positional embedding that may be a single broadcast row; LayerNorm biases
// have no counterpart and are skipped.
func ImportTorch(path string, m *model.ViT) (ImportReport, error) {
	var report ImportReport
	obj, err := pytorch.Load(path)
	if err != nil {
		return report, fmt.Errorf("checkpoint: load torch file %s: %w", path, err)
	}
	dict, ok := obj.(stateDict)
	if !ok {
		return report, fmt.Errorf("checkpoint: %s: top-level object %T is not a state dict", path, obj)
	}

	loaded := make(map[string]bool)
	for _, k := range dict.Keys() {
		key, ok := k.(string)
		if !ok {
			return report, fmt.Errorf("checkpoint: %s: non-string key %v", path, k)
		}
		targets, known := mapTorchName(key)
		if !known {
			return report, fmt.Errorf("checkpoint: %s: %w %q", path, ErrUnexpectedTensor, key)
		}
		if len(targets) == 0 {
			report.Skipped = append(report.Skipped, key)
			continue
		}
		v, _ := dict.Get(key)
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			return report, fmt.Errorf("checkpoint: %s: %s is %T, not a tensor", path, key, v)
		}
		data, err := torchData(t)
		if err != nil {
			return report, fmt.Errorf("checkpoint: %s: %s: %w", path, key, err)
		}
		for _, target := range targets {
			if err := assign(m.Parameters(), target, key, data); err != nil {
				return report, err
			}
			loaded[target.param] = true
			report.Loaded = append(report.Loaded, target.param)
		}
	}

	for _, name := range m.Parameters().Names() {
		if !loaded[name] {
			return report, fmt.Errorf("checkpoint: %s: %w %q", path, ErrMissingTensor, name)
		}
	}
	return report, nil
}

type stateDict interface {
	Keys() []interface{}
	Get(key interface{}) (interface{}, bool)
}

func torchData(t *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	// Only contiguous row-major tensors are supported.
	want := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] > 1 && i < len(t.Stride) && t.Stride[i] != want {
			return nil, fmt.Errorf("non-contiguous tensor (stride %v)", t.Stride)
		}
		want *= t.Size[i]
	}

	var all []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		all = s.Data
	case *pytorch.HalfStorage:
		all = s.Data
	case *pytorch.BFloat16Storage:
		all = s.Data
	default:
		return nil, fmt.Errorf("unsupported storage %T", s)
	}
	if t.StorageOffset+n > len(all) {
		return nil, fmt.Errorf("storage holds %d elements, need %d at offset %d", len(all), n, t.StorageOffset)
	}
	return all[t.StorageOffset : t.StorageOffset+n], nil
}
