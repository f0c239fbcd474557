// Package errorlog is the append-only JSONL error aggregator shared by every
// component. One line per event, rotated once the file passes 10 MB.
package errorlog

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

const maxLogSize = 10 * 1024 * 1024

// Severity levels for log entries.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Entry is one JSONL line.
type Entry struct {
	Timestamp  string         `json:"timestamp"`
	App        string         `json:"app"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
}

// Summary aggregates the whole log.
type Summary struct {
	Total      int            `json:"total"`
	ByApp      map[string]int `json:"by_app"`
	BySeverity map[string]int `json:"by_severity"`
}

// Filter narrows Read results. Zero values match everything.
type Filter struct {
	App      string
	Severity string
	Limit    int
}

// Log appends entries to a single JSONL file.
type Log struct {
	path   string
	logger logging.Logger
	mu     sync.Mutex
}

// DefaultPath returns the shared production log location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".antigravity", "error_log.jsonl")
}

// New creates a Log writing to path.
func New(path string, logger logging.Logger) *Log {
	return &Log{
		path:   path,
		logger: logging.OrNop(logger),
	}
}

// Record appends one entry, rotating first when the file is oversized.
func (l *Log) Record(app, severity, message string, context map[string]any, stackTrace string) {
	entry := Entry{
		Timestamp:  time.Now().Format(time.RFC3339),
		App:        app,
		Severity:   severity,
		Message:    message,
		Context:    context,
		StackTrace: stackTrace,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeeded()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		l.logger.Error("Cannot create error log dir: %v", err)
		return
	}
	line, err := jsonx.Marshal(entry)
	if err != nil {
		l.logger.Error("Cannot encode error entry: %v", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.logger.Error("Cannot open error log: %v", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// rotateIfNeeded is called with the lock held.
func (l *Log) rotateIfNeeded() {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() <= maxLogSize {
		return
	}
	// Single-generation rotation: the previous .old is overwritten.
	if err := os.Rename(l.path, l.path+".old"); err != nil {
		l.logger.Warn("Error log rotation failed: %v", err)
		return
	}
	l.logger.Info("Rotated error log (%d bytes)", info.Size())
}

// Read returns matching entries, newest last, keeping at most filter.Limit
// from the tail.
func (l *Log) Read(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var matched []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := jsonx.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if filter.App != "" && entry.App != filter.App {
			continue
		}
		if filter.Severity != "" && entry.Severity != filter.Severity {
			continue
		}
		matched = append(matched, entry)
	}
	if err := scanner.Err(); err != nil {
		return matched, err
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched, nil
}

// Summarize aggregates every entry in the log.
func (l *Log) Summarize() (Summary, error) {
	entries, err := l.Read(Filter{})
	summary := Summary{
		ByApp:      map[string]int{},
		BySeverity: map[string]int{},
	}
	if err != nil {
		return summary, err
	}
	for _, entry := range entries {
		summary.Total++
		summary.ByApp[entry.App]++
		summary.BySeverity[entry.Severity]++
	}
	return summary, nil
}
