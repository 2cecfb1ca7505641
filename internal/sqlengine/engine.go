// Package sqlengine runs SQL over a fixed set of table adapters exposed as
// SQLite virtual tables.
//
// Building requires the sqlite_vtable tag of github.com/mattn/go-sqlite3:
//
//	go build -tags sqlite_vtable ./...
package sqlengine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/table"
)

// Options configures an Engine. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Result is the outcome of one successful Query.
type Result struct {
	// Columns is the select-list order. Rows are keyed by column name only.
	Columns  []string
	Rows     []table.Row
	Warnings []table.Warning
}

// Engine owns one private in-memory SQLite database with every adapter
// registered as an eponymous virtual table. An Engine runs one query at a time.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger
	tracer trace.Tracer
	descs  []table.Descriptor

	busy atomic.Bool

	mu     sync.Mutex
	run    *run
	fault  *EngineFaultError
	closed bool
}

// run is the per-query state adapters report into. The SQLite step may happen
// on a different goroutine than Query, so every field is guarded.
type run struct {
	mu       sync.Mutex
	ctx      context.Context
	warnings []table.Warning
	err      error
}

func (r *run) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

func (r *run) addWarning(w table.Warning) {
	r.mu.Lock()
	r.warnings = append(r.warnings, w)
	r.mu.Unlock()
}

func (r *run) recordError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *run) snapshot() ([]table.Warning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings, r.err
}

type connector struct {
	driver *sqlite3.SQLiteDriver
	dsn    string
}

func (c *connector) Connect(context.Context) (driver.Conn, error) { return c.driver.Open(c.dsn) }

func (c *connector) Driver() driver.Driver { return c.driver }

// New registers every adapter and returns a ready Engine. It is the only place
// tables are registered; recovering from a fault means calling New again.
func New(adapters []table.Adapter, opts Options) (*Engine, error) {
	if err := table.ValidateDescriptors(adapters); err != nil {
		return nil, fmt.Errorf("sqlengine: invalid tables: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}

	e := &Engine{
		logger: logger.With("component", "sqlengine"),
		tracer: tracer,
	}
	modules := make([]*module, 0, len(adapters))
	for _, a := range adapters {
		d := a.Describe()
		cols := make([]string, len(d.Columns))
		copy(cols, d.Columns)
		d.Columns = cols
		modules = append(modules, &module{engine: e, adapter: a, desc: d})
		e.descs = append(e.descs, d)
	}

	drv := &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, m := range modules {
				if err := conn.CreateModule(m.desc.Name, m); err != nil {
					return fmt.Errorf("register table %s: %w", m.desc.Name, err)
				}
			}
			return nil
		},
	}
	db := sql.OpenDB(&connector{driver: drv, dsn: ":memory:"})
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	ctx := context.Background()
	for _, d := range e.descs {
		stmt, err := db.PrepareContext(ctx, "SELECT * FROM "+quoteIdent(d.Name))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlengine: prepare table %s: %w", d.Name, err)
		}
		stmt.Close()
	}
	e.db = db
	e.logger.Debug("engine ready", "tables", len(e.descs))
	return e, nil
}

// Tables lists the registered table descriptors in registration order.
func (e *Engine) Tables() []table.Descriptor {
	out := make([]table.Descriptor, len(e.descs))
	copy(out, e.descs)
	return out
}

// Query executes sql and returns every produced row with values as text,
// along with the warnings adapters attached during this run.
//
// Ordinary failures are *QueryError. A *EngineFaultError poisons the Engine:
// every later call returns the same fault.
func (e *Engine) Query(ctx context.Context, query string) (*Result, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	if f := e.currentFault(); f != nil {
		return nil, f
	}

	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "sqlengine.query",
		attribute.Int("sqlengine.query.length", len(query)))
	defer span.End()

	r := &run{ctx: ctx}
	e.setRun(r)
	defer e.setRun(nil)

	started := time.Now()
	res, err := e.exec(ctx, query)
	warnings, adapterErr := r.snapshot()
	if err != nil {
		if fault := classifyFault(err); fault != nil || isClosedErr(err) {
			if fault == nil {
				fault = &EngineFaultError{Reason: "database handle closed", Err: err}
			}
			e.poison(fault)
			span.RecordError(fault)
			span.SetStatus(codes.Error, fault.Reason)
			e.logger.Error("engine fault", "reason", fault.Reason, "error", err)
			return nil, fault
		}
		if adapterErr != nil {
			err = adapterErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, &QueryError{SQL: query, Err: err}
	}
	res.Warnings = warnings
	span.SetAttributes(
		attribute.Int("sqlengine.rows", len(res.Rows)),
		attribute.Int("sqlengine.warnings", len(warnings)),
	)
	e.logger.Debug("query done",
		"rows", len(res.Rows),
		"warnings", len(warnings),
		"duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

func (e *Engine) exec(ctx context.Context, query string) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Rows: []table.Row{}}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(table.Row, len(cols))
		for i, c := range cols {
			row[c] = toText(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close releases the database. Queries on a closed Engine return a fault.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.db.Close()
}

func (e *Engine) currentFault() *EngineFaultError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault != nil {
		return e.fault
	}
	if e.closed {
		return &EngineFaultError{Reason: "engine closed"}
	}
	return nil
}

func (e *Engine) poison(f *EngineFaultError) {
	e.mu.Lock()
	if e.fault == nil {
		e.fault = f
	}
	e.mu.Unlock()
}

func (e *Engine) setRun(r *run) {
	e.mu.Lock()
	e.run = r
	e.mu.Unlock()
}

// currentRun returns the active run. Outside Query (schema preparation in New)
// adapters report into a throwaway run.
func (e *Engine) currentRun() *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return &run{ctx: context.Background()}
	}
	return e.run
}

func isClosedErr(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed"
}

func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
