package normalize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/subdiscovery/expstats/internal/api"
)

// RejectSink receives fact events the normalizer could not attribute.
// Implementations must be safe for concurrent use.
type RejectSink interface {
	Reject(event *api.FactEvent, reason string) error
}

// RejectLog is a durable, daily-rotated append log of rejected fact events.
// Rejections are evidence of upstream data-entry gaps; they are kept on disk
// so a re-run after mappings are fixed can be scoped to what was skipped.
type RejectLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// RejectEntry is one journaled rejection.
type RejectEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason"`
	Event     api.FactEvent `json:"event"`
}

// NewRejectLog creates or opens today's rejection journal under dirPath.
func NewRejectLog(dirPath string) (*RejectLog, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reject log directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("rejects-%s.log", time.Now().UTC().Format("20060102")))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open reject log: %w", err)
	}

	return &RejectLog{file: file, path: path}, nil
}

// Reject appends one rejected event with fsync.
func (l *RejectLog) Reject(event *api.FactEvent, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := RejectEntry{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Event:     *event,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal reject entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write reject entry: %w", err)
	}

	// fsync so rejections survive a crash mid-batch
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync reject log: %w", err)
	}

	return nil
}

// Close flushes and closes the journal.
func (l *RejectLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// Path returns the journal file path for reporting.
func (l *RejectLog) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// ReplayRejects reads all entries from a rejection journal.
func ReplayRejects(path string) ([]RejectEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []RejectEntry
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		var entry RejectEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

// NullSink discards rejected events. Used when no journal directory is
// configured; counting still happens in the normalizer's report.
type NullSink struct{}

func (NullSink) Reject(*api.FactEvent, string) error { return nil }
