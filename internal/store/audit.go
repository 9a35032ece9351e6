package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditLog appends one JSONL entry per database mutation so runs can be
// reconstructed after the fact. Entries from the same process share a run ID.
type AuditLog struct {
	path  string
	runID string
	mu    sync.Mutex
}

// NewAuditLog creates an audit log writing to path.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{
		path:  path,
		runID: uuid.NewString(),
	}
}

func noopAuditLog() *AuditLog {
	return &AuditLog{}
}

type auditEntry struct {
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Table     string         `json:"table"`
	Details   map[string]any `json:"details"`
}

// Record appends one entry. A log without a path is a no-op.
func (a *AuditLog) Record(table string, details map[string]any) error {
	if a.path == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	entry := auditEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     a.runID,
		Table:     table,
		Details:   details,
	}
	encoder := json.NewEncoder(file)
	if err := encoder.Encode(entry); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}
