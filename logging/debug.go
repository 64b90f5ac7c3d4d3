package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000"

// subsystems are the names accepted by SetFilter. A name also enables its
// children, so "s7" covers "s7/discovery".
var subsystems = []string{
	"s7", "s7/discovery", "s7sim",
	"api",
	"poller",
	"retry",
	"mqtt",
	"kafka",
	"valkey",
	"s7link",
}

// implied lists subsystems enabled along with another one outside the
// parent/child naming.
var implied = map[string][]string{
	"poller": {"retry"},
}

// KnownProtocols returns the subsystem names accepted by SetFilter.
func KnownProtocols() []string {
	out := make([]string, len(subsystems))
	copy(out, subsystems)
	return out
}

// IsKnownProtocol reports whether name is a subsystem the logger filters on.
func IsKnownProtocol(name string) bool {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, s := range subsystems {
		if s == name {
			return true
		}
	}
	return false
}

// DebugLogger writes protocol traces (frames in hex, handshakes, dropped
// sessions) to a dedicated file, optionally limited to some subsystems.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
	only   map[string]bool // nil logs every subsystem
	now    func() time.Time
}

// NewDebugLogger truncates path and starts a new debug session in it.
func NewDebugLogger(path string) (*DebugLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	return newDebugLogger(f), nil
}

func newDebugLogger(w io.WriteCloser) *DebugLogger {
	l := &DebugLogger{w: w, now: time.Now}
	l.line("debug", "session started %s", l.now().Format(time.RFC3339))
	return l
}

// SetFilter limits output to a comma-separated list of subsystems. An empty
// filter, "all", "true" or "1" logs everything. Names that are not known
// subsystems are returned; they are kept in the filter but never match.
func (l *DebugLogger) SetFilter(filter string) (unknown []string) {
	only := make(map[string]bool)
	for _, name := range strings.Split(filter, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		switch name {
		case "", "all", "true", "1":
			continue
		}
		if !IsKnownProtocol(name) {
			unknown = append(unknown, name)
		}
		only[name] = true
		for _, extra := range implied[name] {
			only[extra] = true
		}
	}
	if l == nil {
		return unknown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(only) == 0 {
		l.only = nil
		return unknown
	}
	l.only = only

	names := make([]string, 0, len(only))
	for name := range only {
		names = append(names, name)
	}
	sort.Strings(names)
	l.line("debug", "filter: %s", strings.Join(names, ", "))
	return unknown
}

// enabled reports whether subsystem or one of its parents passes the filter.
// Must be called with l.mu held.
func (l *DebugLogger) enabled(subsystem string) bool {
	if l.only == nil {
		return true
	}
	name := strings.ToLower(subsystem)
	for {
		if l.only[name] {
			return true
		}
		i := strings.LastIndex(name, "/")
		if i < 0 {
			return false
		}
		name = name[:i]
	}
}

// line writes one entry. Must be called with l.mu held (or before the
// logger is shared).
func (l *DebugLogger) line(subsystem, format string, args ...interface{}) {
	fmt.Fprintf(l.w, "%s [%s] %s\n", l.now().Format(timeLayout), subsystem, fmt.Sprintf(format, args...))
}

// Log writes a message for subsystem if the filter lets it through.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.enabled(subsystem) {
		return
	}
	l.line(subsystem, format, args...)
}

// LogTX logs a sent frame.
func (l *DebugLogger) LogTX(subsystem string, frame []byte) {
	if l != nil {
		l.Log(subsystem, "TX %d bytes\n%s", len(frame), dump(frame))
	}
}

// LogRX logs a received frame.
func (l *DebugLogger) LogRX(subsystem string, frame []byte) {
	if l != nil {
		l.Log(subsystem, "RX %d bytes\n%s", len(frame), dump(frame))
	}
}

// Close ends the session and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.line("debug", "session ended")
	return l.w.Close()
}

// dump formats a frame as indented hex.Dump output.
func dump(frame []byte) string {
	if len(frame) == 0 {
		return "    (empty)"
	}
	lines := strings.Split(strings.TrimSuffix(hex.Dump(frame), "\n"), "\n")
	return "    " + strings.Join(lines, "\n    ")
}

var debugLogger atomic.Pointer[DebugLogger]

// SetGlobalDebugLogger installs the logger used by the Debug* helpers.
// nil disables debug output.
func SetGlobalDebugLogger(l *DebugLogger) {
	debugLogger.Store(l)
}

// GetGlobalDebugLogger returns the installed debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	return debugLogger.Load()
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(subsystem, format, args...)
}

// DebugTX logs a sent frame if debug logging is enabled.
func DebugTX(subsystem string, frame []byte) {
	GetGlobalDebugLogger().LogTX(subsystem, frame)
}

// DebugRX logs a received frame if debug logging is enabled.
func DebugRX(subsystem string, frame []byte) {
	GetGlobalDebugLogger().LogRX(subsystem, frame)
}

// DebugConnect logs a connection attempt.
func DebugConnect(subsystem, address string) {
	DebugLog(subsystem, "connecting to %s", address)
}

// DebugConnectSuccess logs an established session.
func DebugConnectSuccess(subsystem, address, details string) {
	DebugLog(subsystem, "connected to %s (%s)", address, details)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(subsystem, address string, err error) {
	DebugLog(subsystem, "connect to %s failed: %v", address, err)
}

// DebugDisconnect logs a session that was dropped.
func DebugDisconnect(subsystem, address, reason string) {
	DebugLog(subsystem, "disconnected from %s: %s", address, reason)
}

// DebugError logs a failed operation.
func DebugError(subsystem, op string, err error) {
	DebugLog(subsystem, "%s: %v", op, err)
}
