package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging with hex dump capability.
// It writes to a dedicated debug.log file and is intended for
// troubleshooting gateway internals: mailbox traffic, poll cycles,
// driver connection errors and store failures.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // subsystem filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known subsystem names for filtering
var knownSubsystems = []string{
	"manager",
	"adapter",
	"driver",
	"app",
	"bus",
	"reactor",
	"subs",
	"store",
	"api",
	"metrics",
	"modbus",
	"sim",
	"mqtt",
	"kafka",
	"valkey",
	"monitor",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the
// specified path. The file is created fresh (truncated if it exists)
// for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// KnownSubsystems returns the subsystem names accepted by SetFilter.
func KnownSubsystems() []string {
	out := make([]string, len(knownSubsystems))
	copy(out, knownSubsystems)
	return out
}

// SetFilter sets the subsystem filter for logging. The filter can be
// a single subsystem or comma-separated list. Empty string means log
// all. Subsystems are matched case-insensitively.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // empty filter = log all
	}

	subsystems := strings.Split(filter, ",")
	for _, s := range subsystems {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		l.filters[s] = true
		// Adapter logs are split by node kind; filtering either side
		// keeps the shared adapter plumbing visible.
		switch s {
		case "driver", "app":
			l.filters["adapter"] = true
		case "adapter":
			l.filters["driver"] = true
			l.filters["app"] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for s := range l.filters {
			filterList = append(filterList, s)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for subsystems: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the subsystem should be logged based on
// the current filter. Must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	lower := strings.ToLower(subsystem)
	if l.filters[lower] {
		return true
	}
	// Always allow DEBUG messages (for header/footer)
	return lower == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, subsystem, msg)
}

// LogTX logs a transmitted frame with hex dump.
func (l *DebugLogger) LogTX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "TX", data)
}

// LogRX logs a received frame with hex dump.
func (l *DebugLogger) LogRX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "RX", data)
}

func (l *DebugLogger) logPacket(subsystem, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n", timestamp, subsystem, direction, len(data))
	fmt.Fprintf(l.file, "%s\n", hexDump(data))
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(subsystem, context string, err error) {
	l.Log(subsystem, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
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

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		for i := 0; i < 8; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 8; i < 16; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 0; i < 16; i++ {
			if offset+i < len(data) {
				b := data[offset+i]
				if b >= 32 && b < 127 {
					sb.WriteByte(b)
				} else {
					sb.WriteByte('.')
				}
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global debug logging functions for use by gateway packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(subsystem, data)
	}
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(subsystem, data)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(subsystem, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(subsystem, context, err)
	}
}
