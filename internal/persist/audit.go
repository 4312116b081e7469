// audit.go implements the append-only order audit log.
//
// Entries are JSON Lines, one file per day (orders_YYYY-MM-DD.jsonl). Append
// is the only mutation: the log is the ground truth for reconciling what was
// actually sent to a broker, so rows are written before state transitions
// become visible and are never edited afterwards.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"strategy-runner/pkg/types"
)

// AuditLog records every order attempt and its outcome.
type AuditLog interface {
	Append(entry types.OrderLogEntry) error
	Close() error
}

// FileAuditLog appends entries to daily JSONL files. The file handle rolls
// over at midnight (local time of the writing process).
type FileAuditLog struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
	w    *bufio.Writer
}

// OpenAuditLog creates an audit log writing into dir.
func OpenAuditLog(dir string) (*FileAuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileAuditLog{dir: dir}, nil
}

// Append writes one entry and flushes it to the OS before returning: a row
// the engine believes is logged must survive a process crash.
func (l *FileAuditLog) Append(entry types.OrderLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotate(entry.CreatedAt); err != nil {
		return err
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return l.w.Flush()
}

// rotate opens the file for the entry's day, closing yesterday's handle.
func (l *FileAuditLog) rotate(at time.Time) error {
	day := at.Format("2006-01-02")
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		l.w.Flush()
		l.file.Close()
	}

	path := filepath.Join(l.dir, "orders_"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.day = day
	return nil
}

// Close flushes and closes the current file.
func (l *FileAuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadDay returns every entry logged on a given day, oldest first. Used by
// reconciliation tooling and tests, not the hot path.
func (l *FileAuditLog) ReadDay(day string) ([]types.OrderLogEntry, error) {
	l.mu.Lock()
	if l.file != nil && day == l.day {
		l.w.Flush()
	}
	l.mu.Unlock()

	path := filepath.Join(l.dir, "orders_"+day+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var out []types.OrderLogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var entry types.OrderLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt audit row: %w", err)
		}
		out = append(out, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return out, nil
}
