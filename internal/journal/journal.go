// Package journal provides the append-only execution history. Records are
// written as JSON lines and never read back: the broker, not the journal,
// is the source of truth after a restart.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal appends JSON records to a file, one per line.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open creates or appends to the journal file at path, creating parent
// directories as needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one record as a JSON line.
func (j *Journal) Append(record any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(record); err != nil {
		return fmt.Errorf("writing journal record: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
