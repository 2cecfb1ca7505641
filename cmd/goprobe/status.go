package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/goprobe/internal/config"
	"github.com/basket/goprobe/internal/persistence"
)

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goprobe status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open state: %v\n", err)
		return 1
	}
	defer store.Close()

	nodeKey, err := store.KVGet(ctx, persistence.KeyNodeKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	hostUUID, _ := store.KVGet(ctx, persistence.KeyHostUUID)
	last, err := store.LastCheckin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	server := cfg.ServerURL
	if server == "" {
		server = "(not configured)"
	}
	fmt.Fprintf(out, "server:     %s\n", server)
	if nodeKey != "" {
		fmt.Fprintln(out, "enrolled:   yes")
	} else {
		fmt.Fprintln(out, "enrolled:   no")
	}
	if hostUUID != "" {
		fmt.Fprintf(out, "host_uuid:  %s\n", hostUUID)
	}
	if last == nil {
		fmt.Fprintln(out, "last check-in: never")
		return 0
	}
	fmt.Fprintf(out, "last check-in: %s (%s ago)\n", last.At.Format(time.RFC3339), time.Since(last.At).Round(time.Second))
	fmt.Fprintf(out, "  outcome:   %s\n", last.Outcome)
	fmt.Fprintf(out, "  fetched:   %d\n", last.Fetched)
	fmt.Fprintf(out, "  trace_id:  %s\n", last.TraceID)
	if last.Error != "" {
		fmt.Fprintf(out, "  error:     %s\n", last.Error)
	}
	return 0
}
