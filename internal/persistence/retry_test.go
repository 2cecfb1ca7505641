package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// lockedStore opens a store with a short SQLite busy wait and a second
// connection to the same file that can hold the write lock.
func lockedStore(t *testing.T) (*Store, *sql.Conn) {
	t.Helper()
	prev := busyTimeout
	busyTimeout = 10 * time.Millisecond
	t.Cleanup(func() { busyTimeout = prev })

	path := filepath.Join(t.TempDir(), "goprobe.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	other, err := sql.Open("sqlite3", path+"?_busy_timeout=0")
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	conn, err := other.Conn(context.Background())
	if err != nil {
		t.Fatalf("second conn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return store, conn
}

func holdWriteLock(t *testing.T, conn *sql.Conn) {
	t.Helper()
	if _, err := conn.ExecContext(context.Background(), "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("take write lock: %v", err)
	}
}

func releaseAfter(conn *sql.Conn, d time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		time.Sleep(d)
		_, err := conn.ExecContext(context.Background(), "COMMIT")
		done <- err
	}()
	return done
}

func TestKVSet_RetriesUntilWriterReleases(t *testing.T) {
	store, conn := lockedStore(t)
	ctx := context.Background()
	holdWriteLock(t, conn)
	released := releaseAfter(conn, 150*time.Millisecond)

	if err := store.KVSet(ctx, KeyNodeKey, "after-lock"); err != nil {
		t.Fatalf("KVSet should outlast a short lock: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("release lock: %v", err)
	}
	got, err := store.KVGet(ctx, KeyNodeKey)
	if err != nil || got != "after-lock" {
		t.Fatalf("KVGet = %q, %v", got, err)
	}
}

func TestKVDelete_RetriesUntilWriterReleases(t *testing.T) {
	store, conn := lockedStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, KeyHostUUID, "uuid-1"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	holdWriteLock(t, conn)
	released := releaseAfter(conn, 150*time.Millisecond)

	if err := store.KVDelete(ctx, KeyHostUUID); err != nil {
		t.Fatalf("KVDelete should outlast a short lock: %v", err)
	}
	<-released
	if got, _ := store.KVGet(ctx, KeyHostUUID); got != "" {
		t.Fatalf("value survived delete: %q", got)
	}
}

func TestKVGet_NotBlockedByWriter(t *testing.T) {
	store, conn := lockedStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, KeyNodeKey, "k1"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	holdWriteLock(t, conn)
	t.Cleanup(func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") })

	got, err := store.KVGet(ctx, KeyNodeKey)
	if err != nil || got != "k1" {
		t.Fatalf("KVGet under WAL writer = %q, %v", got, err)
	}
}

func TestKVSet_GivesUpWhileLockHeld(t *testing.T) {
	store, conn := lockedStore(t)
	holdWriteLock(t, conn)
	t.Cleanup(func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") })

	err := store.KVSet(context.Background(), KeyNodeKey, "never")
	if err == nil {
		t.Fatal("expected KVSet to fail while another writer holds the lock")
	}
	if !isSQLiteBusy(err) {
		t.Fatalf("expected busy error after retries, got %v", err)
	}
}

func TestKVSet_StopsRetryingOnContextDeadline(t *testing.T) {
	store, conn := lockedStore(t)
	holdWriteLock(t, conn)
	t.Cleanup(func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := store.KVSet(ctx, KeyNodeKey, "never")
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("KVSet kept retrying for %v after the deadline", elapsed)
	}
}

func TestRetryOnBusy(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", errs: []error{nil}, wantCalls: 1},
		{name: "other error is not retried", errs: []error{errors.New("no such table: kv_store")}, wantCalls: 1, wantErr: true},
		{name: "busy then ok", errs: []error{errors.New("database is locked"), fmt.Errorf("exec: %w", errors.New("database is locked")), nil}, wantCalls: 3},
		{name: "busy exhausts", errs: []error{errors.New("database is locked")}, wantCalls: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), 2, func() error {
				e := tt.errs[min(calls, len(tt.errs)-1)]
				calls++
				return e
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}
