// Package logging captures the merged stdout/stderr of worker processes in
// one file per worker, so output older than the in-memory tail stays
// inspectable after a session ends.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger appends timestamped lines to a single file.
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	clock func() time.Time
}

// OutputPath returns the capture file for worker id under dir.
func OutputPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("worker_%d.out", id))
}

// New creates (or reuses) the file at path, creating parent directories.
func New(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f, path: path, clock: time.Now}, nil
}

// Path returns the backing file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the file handle. Later writes are dropped.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Line records one line of process output.
func (l *Logger) Line(line string) {
	l.write(strings.TrimRight(line, "\r\n"))
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	l.write(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (l *Logger) write(line string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	fmt.Fprintf(l.file, "[%s] %s\n", l.clock().Format(time.RFC3339), line)
}
