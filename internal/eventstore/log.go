package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikeyg42/sentrycam/internal/event"
)

// Log is a durable, append-only mirror of the store. It is written once per
// event and never read back by the process.
type Log interface {
	Append(e event.Event) error
	Close() error
}

// FileLog writes one JSON object per line. The file is opened in append
// mode and never truncated, so restarts keep earlier history.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// OpenFileLog opens (or creates) path, creating parent directories.
func OpenFileLog(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileLog{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the file the log writes to.
func (l *FileLog) Path() string { return l.path }

// Append writes e as a single line.
func (l *FileLog) Append(e event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	// Encode terminates every value with a newline
	if err := l.enc.Encode(e); err != nil {
		return fmt.Errorf("append %s: %w", e.ID, err)
	}
	return nil
}

// Close flushes and closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// MultiLog fans every append out to each of its logs. One failing log does
// not stop the others.
type MultiLog []Log

func (m MultiLog) Append(e event.Event) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiLog) Close() error {
	var errs []error
	for _, l := range m {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discard struct{}

func (discard) Append(event.Event) error { return nil }
func (discard) Close() error             { return nil }

// Discard is a Log that keeps nothing.
var Discard Log = discard{}
