// Package builtin provides the tables every goprobe agent ships with.
package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/goprobe/internal/table"
)

// KV is the slice of the persistence store the tables need.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Options configures the built-in tables. Root prefixes every filesystem path
// read by the tables and is empty in production.
type Options struct {
	Root       string
	Store      KV
	Version    string
	InstanceID string
	StartTime  time.Time
}

// All returns every built-in table.
func All(opts Options) []table.Adapter {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	return []table.Adapter{
		OSVersion(opts),
		SystemInfo(opts),
		AgentInfo(opts),
		InterfaceAddresses(),
	}
}

func (o Options) path(p string) string {
	if o.Root == "" {
		return p
	}
	return filepath.Join(o.Root, p)
}

// readTrimmed returns the trimmed file contents, or "" if the file cannot be
// read. Most sysfs entries are root-only or absent in containers.
func (o Options) readTrimmed(p string) string {
	raw, err := os.ReadFile(o.path(p))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
