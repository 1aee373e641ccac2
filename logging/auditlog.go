package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies an audit line.
type Category string

const (
	CategorySession  Category = "SESSION"
	CategoryTask     Category = "TASK"
	CategoryState    Category = "STATE"
	CategoryStep     Category = "STEP"
	CategoryResource Category = "RESOURCE"
	CategorySignal   Category = "SIGNAL"
	CategoryError    Category = "ERROR"
)

// AuditLog is an append-only, human-readable record of one session. Every line is
// written and synced before Record returns. A nil *AuditLog discards everything.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	session string
	file    *os.File
	now     func() time.Time
}

// OpenAuditLog creates a new session file in dir named after a fresh session id.
func OpenAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}
	session := uuid.NewString()
	name := fmt.Sprintf("session-%s-%s.log", time.Now().Format("20060102-150405"), session[:8])
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	a := &AuditLog{
		path:    path,
		session: session,
		file:    file,
		now:     time.Now,
	}
	a.Record(CategorySession, "session %s started", session)
	return a, nil
}

// Path returns the file backing the log.
func (a *AuditLog) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Session returns the session id.
func (a *AuditLog) Session() string {
	if a == nil {
		return ""
	}
	return a.session
}

// Record appends "[HH:mm:ss] CATEGORY: message". Write failures are dropped; the audit
// log never affects execution.
func (a *AuditLog) Record(category Category, format string, args ...any) {
	if a == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	msg = strings.ReplaceAll(msg, "\n", " ")

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s\n", a.now().Format("15:04:05"), category, msg)
	if _, err := a.file.WriteString(line); err != nil {
		return
	}
	_ = a.file.Sync()
}

// Tail returns up to maxLines of the most recent lines.
func (a *AuditLog) Tail(maxLines int) []string {
	if a == nil || maxLines <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

// Close ends the session.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.Record(CategorySession, "session %s ended", a.session)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
