package sqlengine

import (
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/goprobe/internal/table"
)

// module exposes one table.Adapter to SQLite as an eponymous-only virtual
// table, so "SELECT * FROM os_version" works without CREATE VIRTUAL TABLE.
type module struct {
	engine  *Engine
	adapter table.Adapter
	desc    table.Descriptor
}

func (m *module) EponymousOnlyModule() {}

func (m *module) Create(c *sqlite3.SQLiteConn, args []string) (sqlite3.VTab, error) {
	return m.Connect(c, args)
}

func (m *module) Connect(c *sqlite3.SQLiteConn, _ []string) (sqlite3.VTab, error) {
	if err := c.DeclareVTab(declareSQL(m.desc)); err != nil {
		return nil, fmt.Errorf("declare table %s: %w", m.desc.Name, err)
	}
	return &vtab{module: m}, nil
}

func (m *module) DestroyModule() {}

// declareSQL renders the schema SQLite expects from xConnect. Every column is
// TEXT; adapters only produce strings.
func declareSQL(d table.Descriptor) string {
	cols := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = quoteIdent(c) + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE %s(%s)", quoteIdent(d.Name), strings.Join(cols, ", "))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type vtab struct {
	module *module
	// nextRowid is shared by every cursor opened on this table so rowids are
	// never reused across a re-open.
	nextRowid int64
}

// BestIndex passes usable equality constraints to Filter as hints. Marking a
// constraint used makes SQLite omit its own check, so Filter re-applies every
// hint to the generated rows and adapters may still return a full scan.
func (v *vtab) BestIndex(csts []sqlite3.InfoConstraint, _ []sqlite3.InfoOrderBy) (*sqlite3.IndexResult, error) {
	used := make([]bool, len(csts))
	var cols []string
	for i, c := range csts {
		if !c.Usable || c.Op != sqlite3.OpEQ {
			continue
		}
		if c.Column < 0 || c.Column >= len(v.module.desc.Columns) {
			continue
		}
		used[i] = true
		cols = append(cols, v.module.desc.Columns[c.Column])
	}
	cost := 1000.0
	if len(cols) > 0 {
		cost = 10.0
	}
	return &sqlite3.IndexResult{
		Used:          used,
		IdxNum:        len(cols),
		IdxStr:        strings.Join(cols, ","),
		EstimatedCost: cost,
	}, nil
}

func (v *vtab) Disconnect() error { return nil }

func (v *vtab) Destroy() error { return nil }

func (v *vtab) Open() (sqlite3.VTabCursor, error) {
	return &cursor{vtab: v}, nil
}

// generate runs the adapter for one cursor open. Adapter errors and panics are
// recorded on the current run so Query can report the adapter's own error
// instead of SQLite's rendering of it.
func (m *module) generate(c table.Constraints) (res table.Result, err error) {
	run := m.engine.currentRun()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("table %s: generate panicked: %v", m.desc.Name, r)
		}
		if err != nil {
			run.recordError(err)
		}
	}()
	res, err = m.adapter.Generate(run.context(), c)
	if err != nil {
		return table.Result{}, fmt.Errorf("table %s: %w", m.desc.Name, err)
	}
	for _, w := range res.Warnings {
		if w.Table == "" {
			w.Table = m.desc.Name
		}
		run.addWarning(w)
	}
	return res, nil
}
