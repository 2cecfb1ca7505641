package sqlengine

import (
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/goprobe/internal/table"
)

// cursor iterates the rows of one Generate call. Once EOF is reached it stays
// there; a new scan opens a new cursor.
type cursor struct {
	vtab *vtab
	rows []table.Row
	pos  int
	base int64
	done bool
}

func (c *cursor) Filter(idxNum int, idxStr string, vals []any) error {
	// SQLite re-filters a cursor for every outer row of a nested loop join.
	// Each filter is a fresh scan with its own rowid range.
	c.vtab.nextRowid += int64(len(c.rows))
	c.rows = nil
	values := make([]any, len(vals))
	copy(values, vals)
	res, err := c.vtab.module.generate(table.Constraints{
		IndexNumber: idxNum,
		IndexString: idxStr,
		Values:      values,
	})
	if err != nil {
		c.rows, c.done = nil, true
		return err
	}
	c.rows = matchConstraints(res.Rows, idxStr, values)
	c.pos = 0
	c.base = c.vtab.nextRowid
	c.done = len(c.rows) == 0
	return nil
}

func (c *cursor) Next() error {
	if c.done {
		return nil
	}
	c.pos++
	if c.pos >= len(c.rows) {
		c.done = true
	}
	return nil
}

func (c *cursor) EOF() bool { return c.done }

func (c *cursor) Column(ctx *sqlite3.SQLiteContext, col int) error {
	if c.done || col < 0 || col >= len(c.vtab.module.desc.Columns) {
		ctx.ResultNull()
		return nil
	}
	v, ok := c.rows[c.pos][c.vtab.module.desc.Columns[col]]
	if !ok {
		ctx.ResultNull()
		return nil
	}
	ctx.ResultText(v)
	return nil
}

func (c *cursor) Rowid() (int64, error) {
	return c.base + int64(c.pos), nil
}

func (c *cursor) Close() error {
	c.vtab.nextRowid += int64(len(c.rows))
	c.rows = nil
	c.done = true
	return nil
}

// matchConstraints keeps the rows whose value equals every constraint named in
// idxStr. A missing column reads as NULL and a NULL constraint matches
// nothing, as in SQL.
func matchConstraints(rows []table.Row, idxStr string, vals []any) []table.Row {
	if idxStr == "" {
		if rows == nil {
			return []table.Row{}
		}
		return rows
	}
	cols := strings.Split(idxStr, ",")
	want := make([]string, len(cols))
	for i := range cols {
		if i >= len(vals) || vals[i] == nil {
			return []table.Row{}
		}
		want[i] = constraintText(vals[i])
	}
	kept := make([]table.Row, 0, len(rows))
	for _, row := range rows {
		ok := true
		for i, col := range cols {
			if v, present := row[col]; !present || v != want[i] {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, row)
		}
	}
	return kept
}

// constraintText renders a constraint value the way SQLite converts it when
// comparing against a TEXT column.
func constraintText(v any) string {
	if f, ok := v.(float64); ok {
		s := strconv.FormatFloat(f, 'g', 15, 64)
		if !strings.ContainsAny(s, ".eIN") {
			s += ".0"
		}
		return s
	}
	return toText(v)
}
