// Package audit appends credential lifecycle entries to logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/goprobe/internal/shared"
)

// Credential events.
const (
	EventEnrolled = "enrolled"
	EventCleared  = "cleared"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	Event          string `json:"event"`
	HostIdentifier string `json:"host_identifier,omitempty"`
	Reason         string `json:"reason"`
	TraceID        string `json:"trace_id,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	clearedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ClearedCount returns the number of identity clears recorded since startup.
func ClearedCount() int64 {
	return clearedCount.Load()
}

// Record appends one entry. Before Init it only updates the counters.
func Record(event, hostIdentifier, reason, traceID string) {
	if event == EventCleared {
		clearedCount.Add(1)
	}
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Event:          event,
		HostIdentifier: hostIdentifier,
		Reason:         reason,
		TraceID:        traceID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
