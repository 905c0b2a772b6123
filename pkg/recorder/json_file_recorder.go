package recorder

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// Recorder 追加式记录器
type Recorder interface {
	Record(entry any) error
}

// JSON 文件记录器，每条记录一行（jsonl）
type JSONFileRecorder struct {
	Path string
	mu   sync.Mutex
}

func NewJSONFileRecorder(path string) *JSONFileRecorder {
	return &JSONFileRecorder{Path: path}
}

func (r *JSONFileRecorder) Record(entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if dir := filepath.Dir(r.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(r.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(any) error { return nil }
