package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SlowCallLog tracks and logs RPC calls that exceed a threshold duration.
type SlowCallLog struct {
	threshold  time.Duration
	maxEntries int
	logFile    *os.File
	entries    []SlowCallEntry
	mu         sync.RWMutex
	enabled    bool
	logToFile  bool
}

// SlowCallEntry represents a single slow RPC call log entry.
type SlowCallEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns"`
	DurationMS float64       `json:"duration_ms"`
	Kind       string        `json:"kind"`
	NodeID     int           `json:"node_id"`
	TransID    uint64        `json:"trans_id"`
	Error      string        `json:"error,omitempty"`
}

// SlowCallLogConfig holds configuration for the slow call log.
type SlowCallLogConfig struct {
	Threshold   time.Duration // Minimum duration to log (default: 250ms)
	MaxEntries  int           // Maximum in-memory entries (default: 1000)
	LogFilePath string        // Optional file path for persistent logging
	Enabled     bool
}

// DefaultSlowCallLogConfig returns default configuration.
func DefaultSlowCallLogConfig() *SlowCallLogConfig {
	return &SlowCallLogConfig{
		Threshold:  250 * time.Millisecond,
		MaxEntries: 1000,
		Enabled:    true,
	}
}

// NewSlowCallLog creates a new slow call log.
func NewSlowCallLog(config *SlowCallLogConfig) (*SlowCallLog, error) {
	if config == nil {
		config = DefaultSlowCallLogConfig()
	}

	l := &SlowCallLog{
		threshold:  config.Threshold,
		maxEntries: config.MaxEntries,
		entries:    make([]SlowCallEntry, 0, config.MaxEntries),
		enabled:    config.Enabled,
	}

	if config.LogFilePath != "" {
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open slow call log file: %w", err)
		}
		l.logFile = f
		l.logToFile = true
	}

	return l, nil
}

// LogCall records entry if its duration exceeds the configured threshold.
func (l *SlowCallLog) LogCall(entry SlowCallEntry) {
	if !l.enabled || entry.Duration < l.threshold {
		return
	}

	entry.Timestamp = time.Now()
	entry.DurationMS = float64(entry.Duration.Nanoseconds()) / 1e6

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.maxEntries {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)

	if l.logToFile && l.logFile != nil {
		l.writeToFile(entry)
	}
}

// writeToFile writes an entry to the log file. Caller must hold l.mu.
func (l *SlowCallLog) writeToFile(entry SlowCallEntry) {
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = l.logFile.Write(b)
	_, _ = l.logFile.Write([]byte("\n"))
}

// Entries returns a copy of all recorded entries.
func (l *SlowCallLog) Entries() []SlowCallEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]SlowCallEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesByKind returns entries for a specific RPC kind.
func (l *SlowCallLog) EntriesByKind(kind string) []SlowCallEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []SlowCallEntry
	for _, e := range l.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// TopSlowest returns the n slowest recorded calls, descending by duration.
func (l *SlowCallLog) TopSlowest(n int) []SlowCallEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return nil
	}

	entries := make([]SlowCallEntry, len(l.entries))
	copy(entries, l.entries)

	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].Duration < key.Duration {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}

	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// Clear removes all entries from the log.
func (l *SlowCallLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]SlowCallEntry, 0, l.maxEntries)
}

// ExportToJSON writes all entries as an indented JSON array.
func (l *SlowCallLog) ExportToJSON(w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.entries)
}

// Close closes the backing log file, if any.
func (l *SlowCallLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		l.logToFile = false
		return err
	}
	return nil
}
