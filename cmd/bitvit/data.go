package main

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/bitvit/internal/dataset"
	"github.com/samcharles93/bitvit/internal/model"
)

// cifarLoader builds the loader for one CIFAR-10 split, keeping a balanced
// datasetSize fraction of it.
func cifarLoader(cfg model.Config, trainSplit bool, seed int64) (*dataset.Loader, error) {
	if dataDir == "" {
		return nil, errors.New("--data-dir is required (or data_dir in the config file)")
	}
	if cfg.Channels != dataset.CIFARChannels || cfg.NumClasses != dataset.CIFARClasses {
		return nil, fmt.Errorf("CIFAR-10 needs channels=%d and num_classes=%d, model has %d and %d",
			dataset.CIFARChannels, dataset.CIFARClasses, cfg.Channels, cfg.NumClasses)
	}
	if datasetSize <= 0 || datasetSize > 1 {
		return nil, fmt.Errorf("--dataset-size must be in (0, 1], got %g", datasetSize)
	}
	data, err := dataset.LoadCIFAR10(dataDir, trainSplit)
	if err != nil {
		return nil, err
	}
	var idx []int
	if datasetSize < 1 {
		idx = dataset.BalancedSubset(data.Labels, dataset.CIFARClasses, datasetSize, rand.New(rand.NewSource(seed)))
	}
	t := dataset.CIFARTransform(cfg.ImageSize, trainSplit)
	return dataset.NewLoader(data, idx, batchSize, t, trainSplit, seed), nil
}

// classLabels names the outputs when the model is a CIFAR-10 classifier.
func classLabels(cfg model.Config) []string {
	if cfg.NumClasses != dataset.CIFARClasses {
		return nil
	}
	return dataset.CIFARClassNames[:]
}
