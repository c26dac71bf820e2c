// Package logbook keeps the append-only execution journal: one line per
// state transition, tagged with the execution id.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a journal entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Option customises a Logbook.
type Option func(*Logbook)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.now = clock
		}
	}
}

// Logbook persists execution progress to a text file.
type Logbook struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &Logbook{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry. A nil logbook drops it.
func (l *Logbook) Append(level Level, executionID, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if executionID == "" {
		executionID = "-"
	}
	line := fmt.Sprintf("%s %-5s [%s] %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		executionID,
		strings.ReplaceAll(strings.TrimSpace(message), "\n", " "),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total
// number of entries in the journal.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	lines := l.read("")
	total := len(lines)
	if maxLines <= 0 || total == 0 {
		return nil, total
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// For returns up to maxLines of the most recent entries for one execution.
func (l *Logbook) For(executionID string, maxLines int) []string {
	if executionID == "" || maxLines <= 0 {
		return nil
	}
	lines := l.read("[" + executionID + "]")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

func (l *Logbook) read(tag string) []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := scanner.Text()
		if tag != "" && !strings.Contains(text, tag) {
			continue
		}
		lines = append(lines, text)
	}
	return lines
}

// Info appends an informational entry.
func (l *Logbook) Info(executionID, format string, args ...any) {
	l.Append(LevelInfo, executionID, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(executionID, format string, args ...any) {
	l.Append(LevelWarn, executionID, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(executionID, format string, args ...any) {
	l.Append(LevelError, executionID, fmt.Sprintf(format, args...))
}
