package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/goprobe/internal/persistence"
)

// setTestHome writes config.yaml into a temp dir and points GOPROBE_HOME at it.
func setTestHome(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GOPROBE_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), []string{"extra"}, &out); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_NeverCheckedIn(t *testing.T) {
	setTestHome(t, "server_url: https://fleet.example.com\n")

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	s := out.String()
	for _, want := range []string{"https://fleet.example.com", "enrolled:   no", "last check-in: never"} {
		if !strings.Contains(s, want) {
			t.Fatalf("status output missing %q:\n%s", want, s)
		}
	}
}

func TestRunStatusCommand_Enrolled(t *testing.T) {
	home := setTestHome(t, "")
	ctx := context.Background()

	store, err := persistence.Open(filepath.Join(home, "goprobe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.KVSet(ctx, persistence.KeyNodeKey, "secret-node-key"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := store.RecordCheckin(ctx, persistence.CheckinRecord{TraceID: "t-1", Outcome: "failed", Error: "connection refused", Fetched: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()

	var out bytes.Buffer
	if code := runStatusCommand(ctx, nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	s := out.String()
	for _, want := range []string{"enrolled:   yes", "outcome:   failed", "connection refused", "t-1", "(not configured)"} {
		if !strings.Contains(s, want) {
			t.Fatalf("status output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "secret-node-key") {
		t.Fatal("status must not print the node key")
	}
}

func TestRunStatusCommand_BadConfig(t *testing.T) {
	setTestHome(t, "server_url: ftp://nope\n")
	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}
