// Package train runs supervised training of a ViT: loss, data-parallel
// replicas, the epoch loop, evaluation and checkpointing.
package train

import (
	"fmt"
	"math"

	"github.com/samcharles93/bitvit/internal/tensor"
)

// CrossEntropy returns the mean softmax cross-entropy over the batch, its
// gradient with respect to logits and the number of correct argmax
// predictions.
func CrossEntropy(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, int, error) {
	if logits.Dims() != 2 || logits.Shape[0] != len(labels) {
		return 0, nil, 0, fmt.Errorf("cross entropy: logits %v for %d labels", logits.Shape, len(labels))
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	grad := tensor.New(logits.Shape...)
	var total float64
	correct := 0
	for b := 0; b < batch; b++ {
		label := labels[b]
		if label < 0 || label >= classes {
			return 0, nil, 0, fmt.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		row := logits.Row(b)
		if tensor.Argmax(row) == label {
			correct++
		}
		maxv := row[0]
		for _, v := range row[1:] {
			maxv = max(maxv, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxv))
		}
		lse := float64(maxv) + math.Log(sum)
		total += lse - float64(row[label])

		g := grad.Row(b)
		for c, v := range row {
			g[c] = float32(math.Exp(float64(v)-lse) / float64(batch))
		}
		g[label] -= float32(1 / float64(batch))
	}
	return total / float64(batch), grad, correct, nil
}
