// Package table defines the contract between SQL-queryable virtual tables and
// the data sources that produce their rows.
//
// A table is registered with the query engine once, by its Descriptor. Every
// time the engine opens a cursor over the table it calls Generate exactly once
// and iterates the returned rows forward-only.
package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Row is one produced row, keyed by column name. All values are textual.
type Row map[string]string

// Descriptor is the static schema of a table. Column order is the contract
// the engine uses for lookups by column index.
type Descriptor struct {
	Name    string
	Columns []string
}

// ColumnIndex returns the position of name in the column list, or -1.
func (d Descriptor) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Constraints are the planner hints passed to Generate. IndexString lists the
// constrained column names separated by commas, in the same order as Values.
// Adapters may ignore them and return a full scan; the engine re-checks every
// constraint on the returned rows.
type Constraints struct {
	IndexNumber int
	IndexString string
	Values      []any
}

// Lookup returns the equality constraint value for column, if any.
func (c Constraints) Lookup(column string) (any, bool) {
	if c.IndexString == "" {
		return nil, false
	}
	for i, name := range strings.Split(c.IndexString, ",") {
		if name == column && i < len(c.Values) {
			return c.Values[i], true
		}
	}
	return nil, false
}

// Warning is a non-fatal problem an adapter hit while producing rows. A query
// that succeeds with warnings still returns its rows.
type Warning struct {
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	switch {
	case w.Table != "" && w.Column != "":
		return fmt.Sprintf("%s.%s: %s", w.Table, w.Column, w.Message)
	case w.Table != "":
		return w.Table + ": " + w.Message
	default:
		return w.Message
	}
}

// Result is what one Generate call produced.
type Result struct {
	Rows     []Row
	Warnings []Warning
}

// Adapter is implemented by every data-source table.
type Adapter interface {
	Describe() Descriptor
	Generate(ctx context.Context, c Constraints) (Result, error)
}

// GenerateFunc produces rows for a Func adapter.
type GenerateFunc func(ctx context.Context, c Constraints) (Result, error)

type funcAdapter struct {
	desc Descriptor
	fn   GenerateFunc
}

// Func builds an Adapter from a name, columns and a generate function.
func Func(name string, columns []string, fn GenerateFunc) Adapter {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &funcAdapter{desc: Descriptor{Name: name, Columns: cols}, fn: fn}
}

func (f *funcAdapter) Describe() Descriptor { return f.desc }

func (f *funcAdapter) Generate(ctx context.Context, c Constraints) (Result, error) {
	return f.fn(ctx, c)
}

// Static builds an Adapter that always returns rows.
func Static(name string, columns []string, rows []Row) Adapter {
	return Func(name, columns, func(context.Context, Constraints) (Result, error) {
		return Result{Rows: rows}, nil
	})
}

// ValidateDescriptors rejects adapter sets that cannot be registered: empty or
// duplicate table names, and empty or duplicate column lists.
func ValidateDescriptors(adapters []Adapter) error {
	var errs []error
	seen := make(map[string]struct{}, len(adapters))
	for i, a := range adapters {
		if a == nil {
			errs = append(errs, fmt.Errorf("adapter %d is nil", i))
			continue
		}
		d := a.Describe()
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("adapter %d has an empty table name", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("table %q registered twice", name))
		}
		seen[name] = struct{}{}
		if len(d.Columns) == 0 {
			errs = append(errs, fmt.Errorf("table %q has no columns", name))
			continue
		}
		cols := make(map[string]struct{}, len(d.Columns))
		for _, c := range d.Columns {
			if strings.TrimSpace(c) == "" {
				errs = append(errs, fmt.Errorf("table %q has an empty column name", name))
				continue
			}
			if strings.Contains(c, ",") {
				errs = append(errs, fmt.Errorf("table %q column %q contains a comma", name, c))
			}
			if _, dup := cols[c]; dup {
				errs = append(errs, fmt.Errorf("table %q declares column %q twice", name, c))
			}
			cols[c] = struct{}{}
		}
	}
	return errors.Join(errs...)
}
