// Package dataset reads CIFAR-10, applies the training augmentations and
// turns decoded images into normalised model inputs.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	CIFARSide     = 32
	CIFARChannels = 3
	CIFARClasses  = 10

	cifarPixels = CIFARSide * CIFARSide * CIFARChannels
	cifarRecord = 1 + cifarPixels
)

// CIFARClassNames maps label indices to names.
var CIFARClassNames = [CIFARClasses]string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

var ErrNoData = errors.New("dataset: no CIFAR-10 batch files found")

// CIFAR10 holds raw samples: 3072 bytes per image, channel planes R, G, B,
// each 32x32 row-major.
type CIFAR10 struct {
	Pixels []byte
	Labels []int
}

// Len is the number of samples.
func (d *CIFAR10) Len() int { return len(d.Labels) }

// Image returns the raw CHW bytes of sample i.
func (d *CIFAR10) Image(i int) []byte {
	return d.Pixels[i*cifarPixels : (i+1)*cifarPixels]
}

// ReadCIFARBatch appends every record of one binary batch file to d.
func (d *CIFAR10) ReadCIFARBatch(r io.Reader) error {
	br := bufio.NewReader(r)
	rec := make([]byte, cifarRecord)
	for n := 0; ; n++ {
		if _, err := io.ReadFull(br, rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("dataset: truncated record %d", n)
			}
			return err
		}
		label := int(rec[0])
		if label >= CIFARClasses {
			return fmt.Errorf("dataset: record %d has label %d", n, label)
		}
		d.Labels = append(d.Labels, label)
		d.Pixels = append(d.Pixels, rec[1:]...)
	}
}

// batchFiles lists the files of a split. The standard archive extracts to
// cifar-10-batches-bin, which is searched as well as dir itself.
func batchFiles(dir string, train bool) ([]string, error) {
	names := []string{"test_batch.bin"}
	if train {
		names = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	}
	for _, base := range []string{dir, filepath.Join(dir, "cifar-10-batches-bin")} {
		var found []string
		for _, n := range names {
			p := filepath.Join(base, n)
			if _, err := os.Stat(p); err == nil {
				found = append(found, p)
			}
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoData, dir)
}

// LoadCIFAR10 reads the training or test split from dir.
func LoadCIFAR10(dir string, train bool) (*CIFAR10, error) {
	files, err := batchFiles(dir, train)
	if err != nil {
		return nil, err
	}
	d := &CIFAR10{}
	for _, p := range files {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		err = d.ReadCIFARBatch(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return d, nil
}
