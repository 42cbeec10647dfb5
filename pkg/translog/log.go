// Package translog implements the durable decision log shared in schema by
// the coordinator and participant roles: a persisted trans_id->status
// mapping with an atomic whole-snapshot reconciliation contract - every
// WriteAll replaces the entire persisted table in one durable step.
package translog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mnohosten/tpcdb/pkg/compression"
)

// Log is a durable trans_id->status table. Implementations must guarantee
// that after WriteAll returns, the persisted contents are exactly the given
// snapshot - no partial update is ever observable, even across a crash.
type Log interface {
	Initialize() error
	WriteAll(snapshot map[uint64]string) error
	ReadAll() (map[uint64]string, error)
}

// FileLog is a Log backed by a single zstd-compressed JSON file, written via
// create-temp-then-rename so a reader never observes a half-written
// snapshot. One FileLog instance owns its path; callers serialize their own
// writes (the coordinator and participant each own exactly one log handle).
type FileLog struct {
	path       string
	mu         sync.Mutex
	compressor *compression.Compressor
}

// NewFileLog opens (without yet creating) a durable log at path.
func NewFileLog(path string) (*FileLog, error) {
	compressor, err := compression.NewCompressor(compression.ZstdConfig(3))
	if err != nil {
		return nil, fmt.Errorf("translog: creating compressor: %w", err)
	}
	return &FileLog{path: path, compressor: compressor}, nil
}

// Initialize idempotently creates the backing file if it does not exist.
func (l *FileLog) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("translog: stat %s: %w", l.path, err)
	}

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("translog: mkdir %s: %w", dir, err)
		}
	}

	return l.writeAllLocked(map[uint64]string{})
}

// WriteAll atomically reconciles the persisted contents to exactly match
// snapshot.
func (l *FileLog) WriteAll(snapshot map[uint64]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeAllLocked(snapshot)
}

func (l *FileLog) writeAllLocked(snapshot map[uint64]string) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("translog: marshal snapshot: %w", err)
	}

	compressed, err := l.compressor.Compress(raw)
	if err != nil {
		return fmt.Errorf("translog: compress snapshot: %w", err)
	}

	dir := filepath.Dir(l.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".translog-*.tmp")
	if err != nil {
		return fmt.Errorf("translog: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("translog: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("translog: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("translog: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("translog: rename into place: %w", err)
	}

	return nil
}

// ReadAll loads the full contents of the log.
func (l *FileLog) ReadAll() (map[uint64]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	compressed, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]string{}, nil
		}
		return nil, fmt.Errorf("translog: read %s: %w", l.path, err)
	}

	if len(compressed) == 0 {
		return map[uint64]string{}, nil
	}

	raw, err := l.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("translog: decompress snapshot: %w", err)
	}

	snapshot := map[uint64]string{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("translog: unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// MaxTransID returns the highest transaction id present in the log, or 0 if
// the log is empty. Used to seed a fresh coordinator's trans_id allocator.
func MaxTransID(snapshot map[uint64]string) uint64 {
	var max uint64
	for id := range snapshot {
		if id > max {
			max = id
		}
	}
	return max
}
