package train

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/dataset"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/optim"
	"github.com/samcharles93/bitvit/internal/tensor"
)

// Source yields the batches of one epoch. Batches may be shuffled
// differently per epoch.
type Source interface {
	Batches(epoch int) iter.Seq[dataset.Batch]
	Len() int
}

// Config controls the training loop.
type Config struct {
	Epochs        int
	Adam          optim.AdamConfig
	StepSize      int     // StepLR period in epochs
	Gamma         float64 // StepLR decay
	ClipNorm      float64 // <= 0 disables clipping
	Replicas      int
	LogEvery      int // steps between progress lines; 0 logs only epochs
	CheckpointDir string
	DType         checkpoint.DType
	HistoryPath   string
	RunID         string

	// Resume state: training continues at epoch StartEpoch (0-based) and
	// optimizer step StartStep, and an epoch only counts as best once it
	// beats BestAccuracy. Adam moments are not restored.
	StartEpoch   int
	StartStep    int
	BestAccuracy float64
}

func DefaultConfig() Config {
	return Config{
		Epochs:   10,
		Adam:     optim.DefaultAdamConfig(),
		StepSize: 5,
		Gamma:    0.5,
		Replicas: 1,
		LogEvery: 50,
		DType:    checkpoint.F32,
	}
}

// StepResult summarises one optimizer step.
type StepResult struct {
	Loss     float64
	Correct  int
	Samples  int
	GradNorm float64
}

// Metrics are averages over a full pass.
type Metrics struct {
	Loss     float64
	Accuracy float64 // percent
	Samples  int
}

// Trainer owns the primary model, its replicas and the optimizer state.
// Replica 0 is the primary; the others are kept parameter-identical to it
// and only used to spread forward/backward work.
type Trainer struct {
	cfg      Config
	replicas []*model.ViT
	opt      *optim.Adam
	sched    optim.StepLR
	log      logger.Logger
	step     int
}

func New(m *model.ViT, cfg Config, log logger.Logger) (*Trainer, error) {
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.Epochs < 0 {
		return nil, fmt.Errorf("train: epochs must be non-negative, got %d", cfg.Epochs)
	}
	if cfg.StartEpoch < 0 || cfg.StartEpoch > cfg.Epochs {
		return nil, fmt.Errorf("train: start epoch %d outside [0, %d]", cfg.StartEpoch, cfg.Epochs)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.DType == "" {
		cfg.DType = checkpoint.F32
	}
	if log == nil {
		log = logger.Discard()
	}

	t := &Trainer{
		cfg:      cfg,
		replicas: []*model.ViT{m},
		opt:      optim.NewAdam(m.Parameters().List(), cfg.Adam),
		sched:    optim.NewStepLR(cfg.Adam.LR, cfg.StepSize, cfg.Gamma),
		log:      log.With("component", "train", "run_id", cfg.RunID),
		step:     cfg.StartStep,
	}
	seed := m.Config().Seed
	for i := 1; i < cfg.Replicas; i++ {
		r, err := m.Clone(model.WithDropoutSeed(seed + int64(1000*i)))
		if err != nil {
			return nil, fmt.Errorf("train: replica %d: %w", i, err)
		}
		t.replicas = append(t.replicas, r)
	}
	return t, nil
}

// Model is the primary model.
func (t *Trainer) Model() *model.ViT { return t.replicas[0] }

// RunID identifies this run in logs, history and checkpoints.
func (t *Trainer) RunID() string { return t.cfg.RunID }

// shards splits [0, n) into at most k contiguous ranges.
func shards(n, k int) [][2]int {
	k = min(k, n)
	out := make([][2]int, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, [2]int{i * n / k, (i + 1) * n / k})
	}
	return out
}

func sliceBatch(b dataset.Batch, lo, hi int) dataset.Batch {
	per := b.Images.Len() / b.Images.Shape[0]
	shape := append([]int{hi - lo}, b.Images.Shape[1:]...)
	return dataset.Batch{
		Images: tensor.FromData(b.Images.Data[lo*per:hi*per], shape...),
		Labels: b.Labels[lo:hi],
	}
}

// accumulate runs forward and backward for b across the replicas and
// leaves the batch-mean gradient in the primary's parameters.
func (t *Trainer) accumulate(ctx context.Context, b dataset.Batch) (StepResult, error) {
	n := len(b.Labels)
	if n == 0 || b.Images == nil || b.Images.Dims() == 0 || b.Images.Shape[0] != n {
		return StepResult{}, fmt.Errorf("train: malformed batch")
	}
	parts := shards(n, len(t.replicas))
	losses := make([]float64, len(parts))
	correct := make([]int, len(parts))
	weights := make([]float32, len(parts))

	g, ctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		r := t.replicas[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			shard := sliceBatch(b, part[0], part[1])
			r.ZeroGrad()
			r.SetTraining(true)
			logits, tr, err := r.ForwardTrain(shard.Images)
			if err != nil {
				return err
			}
			loss, dlogits, ok, err := CrossEntropy(logits, shard.Labels)
			if err != nil {
				return err
			}
			// Each shard's mean counts by its share of the batch.
			weights[i] = float32(len(shard.Labels)) / float32(n)
			losses[i] = loss * float64(weights[i])
			correct[i] = ok
			return r.Backward(tr, dlogits)
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}

	if len(parts) > 1 {
		primary := t.replicas[0].Parameters().List()
		for _, p := range primary {
			tensor.Scale(p.Grad.Data, weights[0])
		}
		for k, r := range t.replicas[1:len(parts)] {
			for i, p := range r.Parameters().List() {
				tensor.AddScaled(primary[i].Grad.Data, p.Grad.Data, weights[k+1])
			}
		}
	}

	res := StepResult{Samples: n}
	for i := range parts {
		res.Loss += losses[i]
		res.Correct += correct[i]
	}
	return res, nil
}

// broadcast copies the primary's parameters into every replica.
func (t *Trainer) broadcast() error {
	var g errgroup.Group
	for _, r := range t.replicas[1:] {
		g.Go(func() error { return r.CopyFrom(t.replicas[0]) })
	}
	return g.Wait()
}

// Step performs one optimizer update on b.
func (t *Trainer) Step(ctx context.Context, b dataset.Batch) (StepResult, error) {
	res, err := t.accumulate(ctx, b)
	if err != nil {
		return StepResult{}, err
	}
	params := t.replicas[0].Parameters().List()
	res.GradNorm = optim.ClipGradNorm(params, t.cfg.ClipNorm)
	t.opt.Step()
	t.step++
	if err := t.broadcast(); err != nil {
		return StepResult{}, err
	}
	return res, nil
}

// Evaluate runs the primary model in evaluation mode over src. Batches are
// split across goroutines; evaluation-mode forward passes share the
// primary's parameters read-only.
func (t *Trainer) Evaluate(ctx context.Context, src Source) (Metrics, error) {
	m := t.replicas[0]
	training := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(training)
	return Evaluate(ctx, m, src, len(t.replicas))
}

// Evaluate computes loss and accuracy of m over src using up to workers
// concurrent forward passes per batch. m must be in evaluation mode.
func Evaluate(ctx context.Context, m *model.ViT, src Source, workers int) (Metrics, error) {
	var (
		mu    sync.Mutex
		total Metrics
		loss  float64
		right int
	)
	for b := range src.Batches(0) {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, part := range shards(len(b.Labels), max(workers, 1)) {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				shard := sliceBatch(b, part[0], part[1])
				logits, err := m.Forward(shard.Images)
				if err != nil {
					return err
				}
				l, _, ok, err := CrossEntropy(logits, shard.Labels)
				if err != nil {
					return err
				}
				mu.Lock()
				loss += l * float64(len(shard.Labels))
				right += ok
				total.Samples += len(shard.Labels)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Metrics{}, err
		}
	}
	if total.Samples == 0 {
		return Metrics{}, errors.New("train: evaluation source is empty")
	}
	total.Loss = loss / float64(total.Samples)
	total.Accuracy = 100 * float64(right) / float64(total.Samples)
	return total, nil
}

// Summary is what Fit reports after the last epoch.
type Summary struct {
	RunID    string
	Epochs   int
	Steps    int
	BestAcc  float64
	Last     EpochRecord
	Duration time.Duration
}

// Fit trains from cfg.StartEpoch up to cfg.Epochs, evaluating on test after
// each epoch. The
// learning rate follows StepLR; when CheckpointDir is set the latest and the
// best-accuracy models are saved there, and when HistoryPath is set one
// JSON line per epoch is appended to it.
func (t *Trainer) Fit(ctx context.Context, trainSrc, testSrc Source) (Summary, error) {
	var hist *History
	if t.cfg.HistoryPath != "" {
		h, err := OpenHistory(t.cfg.HistoryPath)
		if err != nil {
			return Summary{}, err
		}
		defer func() { _ = h.Close() }()
		hist = h
	}

	t.log.Info("starting training",
		"epochs", t.cfg.Epochs,
		"train_samples", trainSrc.Len(),
		"test_samples", testSrc.Len(),
		"replicas", len(t.replicas),
		"parameters", t.Model().Parameters().NumElements(),
		"lr", t.cfg.Adam.LR,
		"weight_decay", t.cfg.Adam.WeightDecay,
		"start_epoch", t.cfg.StartEpoch,
	)

	start := time.Now()
	sum := Summary{RunID: t.cfg.RunID, Epochs: t.cfg.Epochs - t.cfg.StartEpoch, Steps: t.step, BestAcc: t.cfg.BestAccuracy}
	fresh := t.cfg.StartEpoch == 0
	for epoch := t.cfg.StartEpoch; epoch < t.cfg.Epochs; epoch++ {
		epochStart := time.Now()
		lr := t.sched.LR(epoch)
		t.opt.SetLR(lr)

		var loss float64
		var correct, seen, batches int
		for b := range trainSrc.Batches(epoch) {
			res, err := t.Step(ctx, b)
			if err != nil {
				return sum, fmt.Errorf("train: epoch %d step %d: %w", epoch+1, t.step+1, err)
			}
			loss += res.Loss
			correct += res.Correct
			seen += res.Samples
			batches++
			if t.cfg.LogEvery > 0 && t.step%t.cfg.LogEvery == 0 {
				t.log.Info("step",
					"epoch", epoch+1,
					"step", t.step,
					"loss", res.Loss,
					"acc", 100*float64(correct)/float64(seen),
					"grad_norm", res.GradNorm,
					"lr", t.opt.LR(),
				)
			}
		}
		if batches == 0 {
			return sum, errors.New("train: training source is empty")
		}

		test, err := t.Evaluate(ctx, testSrc)
		if err != nil {
			return sum, fmt.Errorf("train: evaluate epoch %d: %w", epoch+1, err)
		}
		rec := EpochRecord{
			RunID:     t.cfg.RunID,
			Epoch:     epoch + 1,
			Step:      t.step,
			LR:        lr,
			TrainLoss: loss / float64(batches),
			TrainAcc:  100 * float64(correct) / float64(seen),
			TestLoss:  test.Loss,
			TestAcc:   test.Accuracy,
			Seconds:   time.Since(epochStart).Seconds(),
			Time:      time.Now().UTC(),
		}
		sum.Last = rec
		sum.Steps = t.step
		if degenerate := t.Model().DegenerateTokens(); degenerate > 0 {
			t.log.Debug("activation scale hit epsilon", "tokens", degenerate)
		}
		t.log.Info("epoch complete",
			"epoch", rec.Epoch,
			"train_loss", rec.TrainLoss,
			"train_acc", rec.TrainAcc,
			"test_loss", rec.TestLoss,
			"test_acc", rec.TestAcc,
			"duration", time.Since(epochStart),
		)

		if hist != nil {
			if err := hist.Append(rec); err != nil {
				return sum, err
			}
		}
		best := rec.TestAcc > sum.BestAcc || (fresh && epoch == 0)
		if best {
			sum.BestAcc = rec.TestAcc
		}
		if err := t.saveCheckpoints(rec, best); err != nil {
			return sum, err
		}
	}
	sum.Duration = time.Since(start)
	t.log.Info("training complete", "duration", sum.Duration.Round(time.Second), "best_acc", sum.BestAcc)
	return sum, nil
}

func (t *Trainer) saveCheckpoints(rec EpochRecord, best bool) error {
	if t.cfg.CheckpointDir == "" {
		return nil
	}
	meta := checkpoint.Meta{
		RunID:     t.cfg.RunID,
		Step:      rec.Step,
		Epoch:     rec.Epoch,
		Accuracy:  rec.TestAcc,
		CreatedAt: rec.Time,
	}
	last := filepath.Join(t.cfg.CheckpointDir, "last.safetensors")
	if err := checkpoint.Save(last, t.Model(), meta, t.cfg.DType); err != nil {
		return err
	}
	if !best {
		return nil
	}
	path := filepath.Join(t.cfg.CheckpointDir, "best.safetensors")
	if err := checkpoint.Save(path, t.Model(), meta, t.cfg.DType); err != nil {
		return err
	}
	t.log.Info("saved best checkpoint", "path", path, "test_acc", rec.TestAcc)
	return nil
}

