package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// Default maximum audit log size before rotation (50MB).
	DefaultMaxLogSize = 50 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDirName    = "archive"
)

// AuditEntry is one line of the append-only plan audit log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	PlanID    string         `json:"plan_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries with size-based rotation into an
// archive directory. Failed plans stay diagnosable after the fact even
// when the plan itself is later deleted from the store.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	rotations   int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes one event to the audit log.
func (l *AuditLogger) Record(ev Event) error {
	entry := AuditEntry{
		Timestamp: ev.Timestamp,
		EventType: ev.Type,
		PlanID:    ev.PlanID,
		StepID:    ev.StepID,
		Details:   ev.Details,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// Attach subscribes the logger to every event type on the bus. Write
// failures are swallowed; auditing never stalls execution.
func (l *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(ev Event) {
		_ = l.Record(ev)
	})
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := filepath.Base(l.logPath)
	stem := strings.TrimSuffix(base, logFileExtension)
	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), l.rotations, logFileExtension))

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}
