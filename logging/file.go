package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// FileLogger is the operational event log (--log): startup, publisher
// connections and writes received over MQTT or Kafka. Lines read
// "timestamp [source] message" and the file is appended to across runs.
type FileLogger struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
	now    func() time.Time
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{w: f, now: time.Now}, nil
}

// Event appends one line attributed to source.
func (l *FileLogger) Event(source, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", l.now().Format(timeLayout), source, fmt.Sprintf(format, args...))
}

// Close closes the file. Later events are dropped.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

var eventLogger atomic.Pointer[FileLogger]

// SetEventLogger installs the logger used by Event. nil disables it.
func SetEventLogger(l *FileLogger) {
	eventLogger.Store(l)
}

// Event records an operational event in the event log and mirrors it to
// the debug log under source.
func Event(source, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	eventLogger.Load().Event(source, "%s", msg)
	DebugLog(source, "%s", msg)
}
