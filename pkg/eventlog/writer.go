// Package eventlog journals session transport messages to daily rotated JSONL files so a
// session's history can be replayed after the process exits.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"autopilot/pkg/registry"
)

const (
	filePrefix = "events-"
	fileSuffix = ".jsonl"
	dateLayout = "2006-01-02"
	// maxLineSize bounds one journal line; action outputs can be large.
	maxLineSize = 4 << 20
)

// Record is one journaled message. Data keeps the payload's JSON encoding.
type Record struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	ProjectID string          `json:"project_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Writer appends records to events-YYYY-MM-DD.jsonl in its directory, switching files at
// midnight. It implements registry.Notifier and is safe for concurrent use.
type Writer struct {
	logDir      string
	now         func() time.Time
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates the directory if needed and opens today's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	w := &Writer{logDir: logDir, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}
	return w, nil
}

// Publish implements registry.Notifier.
func (w *Writer) Publish(_ context.Context, channel string, msg *registry.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", msg.Type, err)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = w.now()
	}
	return w.Write(&Record{
		Channel:   channel,
		Type:      msg.Type,
		SessionID: msg.SessionID,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Data:      data,
		Timestamp: ts,
	})
}

// Write appends rec as one line and syncs the file.
func (w *Writer) Write(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}
	if _, err := w.currentFile.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// rotateIfNeeded requires w.mu.
func (w *Writer) rotateIfNeeded() error {
	date := w.now().Format(dateLayout)
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event log: %w", err)
		}
		w.currentFile = nil
	}
	path := filepath.Join(w.logDir, filePrefix+date+fileSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

// CurrentFile returns the path records are currently appended to.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, filePrefix+w.currentDate+fileSuffix)
}

// Close closes the current file. Later writes reopen it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	return nil
}

// ReadRecords parses one journal file. Blank lines are skipped.
func ReadRecords(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: failed to parse record: %w", path, line, err)
		}
		out = append(out, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

// ListFiles returns the journal files in logDir, oldest first.
func ListFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// SessionRecords collects every record of sessionID across the journal, oldest first.
func SessionRecords(logDir, sessionID string) ([]*Record, error) {
	files, err := ListFiles(logDir)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, path := range files {
		recs, err := ReadRecords(path)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.SessionID == sessionID {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
