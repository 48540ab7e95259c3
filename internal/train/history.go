package train

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// EpochRecord is one line of the JSONL training history.
type EpochRecord struct {
	RunID     string    `json:"run_id"`
	Epoch     int       `json:"epoch"`
	Step      int       `json:"step"`
	LR        float64   `json:"lr"`
	TrainLoss float64   `json:"train_loss"`
	TrainAcc  float64   `json:"train_acc"`
	TestLoss  float64   `json:"test_loss"`
	TestAcc   float64   `json:"test_acc"`
	Seconds   float64   `json:"seconds"`
	Time      time.Time `json:"time"`
}

// History appends epoch records to a JSON-lines file.
type History struct {
	mu sync.Mutex
	f  *os.File
}

func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("train: history: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("train: history: %w", err)
	}
	return &History{f: f}, nil
}

func (h *History) Append(rec EpochRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("train: history: %w", err)
	}
	return nil
}

func (h *History) Close() error { return h.f.Close() }

// ReadHistory parses every record in a history file.
func ReadHistory(path string) ([]EpochRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []EpochRecord
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec EpochRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("train: history %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
