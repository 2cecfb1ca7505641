package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/goprobe/internal/config"
	"github.com/basket/goprobe/internal/persistence"
	"github.com/basket/goprobe/internal/sqlengine"
	"github.com/basket/goprobe/internal/table"
	"github.com/basket/goprobe/internal/table/builtin"
)

type queryOutput struct {
	Columns  []string        `json:"columns"`
	Rows     []table.Row     `json:"rows"`
	Warnings []table.Warning `json:"warnings,omitempty"`
}

// runQueryCommand runs one statement against the built-in tables. The state
// database is opened when available so system_info reports the persisted
// host uuid.
func runQueryCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sql := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if sql == "" {
		fmt.Fprintln(os.Stderr, "usage: goprobe query <sql>")
		return 2
	}

	opts := builtin.Options{Version: Version}
	if cfg, err := config.Load(); err == nil {
		if store, err := persistence.Open(cfg.StatePath()); err == nil {
			defer store.Close()
			opts.Store = store
		}
	}

	eng, err := sqlengine.New(builtin.All(opts), sqlengine.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 1
	}
	defer eng.Close()

	res, err := eng.Query(ctx, sql)
	if err != nil {
		var qerr *sqlengine.QueryError
		if errors.As(err, &qerr) {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "engine failure: %v\n", err)
		}
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(queryOutput{Columns: res.Columns, Rows: res.Rows, Warnings: res.Warnings}); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func runTablesCommand(args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goprobe tables")
		return 2
	}
	for _, a := range builtin.All(builtin.Options{Version: Version}) {
		d := a.Describe()
		fmt.Fprintf(out, "%s(%s)\n", d.Name, strings.Join(d.Columns, ", "))
	}
	return 0
}
