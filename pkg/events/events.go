// Package events provides the append-only audit log for the fleet control
// plane. Every data fetch, device command and plan lifecycle transition is
// recorded as one JSON object per line, one file per UTC day.
package events

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status values for an event outcome.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is a single audit record. Records are never updated or deleted.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Key       string         `json:"key"`
	Status    string         `json:"status"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger appends events to daily JSON-Lines files under a directory.
// Each record is written as a single complete line, so a reader processing
// the file as a stream never observes a partial record.
type Logger struct {
	dir string

	mu   sync.Mutex
	day  string // UTC day of the open file, YYYY-MM-DD
	file *os.File
}

// New creates a logger writing to dir, creating it if needed.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	return &Logger{dir: dir}, nil
}

// Log appends one event. A zero timestamp is stamped with the current time.
// Errors are returned but callers treat logging as best-effort.
func (l *Logger) Log(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	day := ev.Timestamp.UTC().Format("2006-01-02")
	if l.file == nil || day != l.day {
		if l.file != nil {
			l.file.Close()
		}
		f, err := os.OpenFile(l.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open event file: %w", err)
		}
		l.file = f
		l.day = day
	}

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the currently open day file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.day = ""
	return err
}

func (l *Logger) path(day string) string {
	return filepath.Join(l.dir, day+".jsonl")
}

// Since reads all events recorded at or after the given time, oldest first.
func (l *Logger) Since(since time.Time) ([]Event, error) {
	since = since.UTC()
	var out []Event
	for day := since.Truncate(24 * time.Hour); !day.After(time.Now().UTC()); day = day.Add(24 * time.Hour) {
		f, err := os.Open(l.path(day.Format("2006-01-02")))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open event file: %w", err)
		}
		dec := json.NewDecoder(f)
		for {
			var ev Event
			if err := dec.Decode(&ev); err != nil {
				if err == io.EOF {
					break
				}
				f.Close()
				return nil, fmt.Errorf("decode event: %w", err)
			}
			if !ev.Timestamp.Before(since) {
				out = append(out, ev)
			}
		}
		f.Close()
	}
	return out, nil
}

// ExportCSV writes all events since the given time as CSV.
func (l *Logger) ExportCSV(w io.Writer, since time.Time) error {
	evs, err := l.Since(since)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "type", "source", "key", "status", "actor", "details"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, ev := range evs {
		var details string
		if len(ev.Details) > 0 {
			b, err := json.Marshal(ev.Details)
			if err == nil {
				details = string(b)
			}
		}
		row := []string{
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.Type,
			ev.Source,
			ev.Key,
			ev.Status,
			ev.Actor,
			details,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
