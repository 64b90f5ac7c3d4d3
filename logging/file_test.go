package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFileLoggerEvent(t *testing.T) {
	f := &memFile{}
	l := &FileLogger{w: f, now: func() time.Time { return fixedTime }}

	l.Event("s7link", "MQTT write %s %s = %v", "line1", "DB1.DBW0", 42)
	want := "2026-03-04 05:06:07.008 [s7link] MQTT write line1 DB1.DBW0 = 42\n"
	if got := f.String(); got != want {
		t.Errorf("line = %q, want %q", got, want)
	}

	if err := l.Close(); err != nil || !f.closed {
		t.Fatalf("Close: err=%v closed=%v", err, f.closed)
	}
	l.Event("s7link", "dropped")
	if strings.Contains(f.String(), "dropped") {
		t.Error("event written after Close")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s7link.log")
	for run := 1; run <= 2; run++ {
		l, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger: %v", err)
		}
		l.Event("s7link", "run %d", run)
		l.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "run 1") || !strings.HasSuffix(lines[1], "run 2") {
		t.Errorf("log = %q", data)
	}

	if _, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "s7link.log")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestEventGoesToBothLogs(t *testing.T) {
	events := &memFile{}
	SetEventLogger(&FileLogger{w: events, now: time.Now})
	defer SetEventLogger(nil)
	debug, debugOut := newTestDebugLogger()
	debug.SetFilter("s7link")
	SetGlobalDebugLogger(debug)
	defer SetGlobalDebugLogger(nil)

	Event("s7link", "Kafka write %s = %v", "DB1.DBX0.1", true)

	for name, out := range map[string]string{"event": events.String(), "debug": debugOut.String()} {
		if !strings.Contains(out, "[s7link] Kafka write DB1.DBX0.1 = true") {
			t.Errorf("%s log missing event: %q", name, out)
		}
	}

	// No loggers installed
	SetEventLogger(nil)
	SetGlobalDebugLogger(nil)
	Event("s7link", "ignored")
}

func TestFileLoggerConcurrent(t *testing.T) {
	f := &memFile{}
	l := &FileLogger{w: f, now: time.Now}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Event("poller", "change %d", n)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(f.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "[poller] change ") {
			t.Errorf("malformed line %q", line)
		}
	}
}
