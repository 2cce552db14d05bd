package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// FileRecorder appends newline-delimited JSON records to a single file.
// Appends are serialized under a mutex so concurrent writers never
// interleave partial lines.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	logger *logger.Logger
}

// NewFileRecorder opens (or creates) the append-only audit file.
func NewFileRecorder(path string, log *logger.Logger) (*FileRecorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	log.Info("Audit file recorder initialized", zap.String("path", path))
	return &FileRecorder{file: file, logger: log}, nil
}

// Record appends one JSONL line.
func (r *FileRecorder) Record(_ context.Context, record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Close flushes and closes the audit file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

var _ Recorder = (*FileRecorder)(nil)
