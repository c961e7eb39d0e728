package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesAndDropsAfterClose(t *testing.T) {
	path := OutputPath(filepath.Join(t.TempDir(), "logs"), 3)
	if filepath.Base(path) != "worker_3.out" {
		t.Fatalf("unexpected output path %s", path)
	}
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Line("generation 1\r\n")
	l.Printf("exit status %d", 2)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l.Line("after close")
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), lines)
	}
	if !strings.HasSuffix(lines[0], "] generation 1") || !strings.HasSuffix(lines[1], "] exit status 2") {
		t.Fatalf("unexpected content %q", lines)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Line("ignored")
	l.Printf("ignored %d", 1)
	if l.Path() != "" || l.Close() != nil {
		t.Fatalf("nil logger should be inert")
	}
}
