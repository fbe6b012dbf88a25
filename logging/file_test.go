package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("new file logger: %v", err)
	}

	l.Log("node %s started", "d1")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "node d1 started") {
		t.Errorf("log line missing, got: %s", data)
	}
}

func TestFileLoggerClosedIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("new file logger: %v", err)
	}
	l.Close()
	l.Log("after close") // must not panic
	if err := l.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestDebugLoggerFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("new debug logger: %v", err)
	}
	l.SetFilter("bus")

	l.Log("bus", "kept message")
	l.Log("mqtt", "filtered message")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "kept message") {
		t.Error("filtered subsystem lost its message")
	}
	if strings.Contains(string(data), "filtered message") {
		t.Error("filter let through an excluded subsystem")
	}
}

func TestDebugLoggerFilterExpandsAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("new debug logger: %v", err)
	}
	l.SetFilter("driver")

	l.Log("adapter", "shared plumbing")
	l.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "shared plumbing") {
		t.Error("driver filter should include adapter logs")
	}
}

func TestHexDump(t *testing.T) {
	out := hexDump([]byte("AB"))
	if !strings.Contains(out, "41 42") || !strings.Contains(out, "AB") {
		t.Errorf("unexpected hex dump: %s", out)
	}
	if hexDump(nil) != "    (empty)" {
		t.Error("empty dump format changed")
	}
}
