package sqlengine

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrBusy is returned when Query is called while another query on the same
// engine is still running.
var ErrBusy = errors.New("sqlengine: query already in progress")

// QueryError is an ordinary failure scoped to one query: bad SQL, a missing
// table, or an adapter that returned an error. The engine stays usable.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return "query failed"
	}
	return e.Err.Error()
}

func (e *QueryError) Unwrap() error { return e.Err }

// EngineFaultError means the embedded engine can no longer be trusted. Every
// later Query on the same Engine returns the same fault; the engine must be
// discarded and rebuilt with New.
type EngineFaultError struct {
	Reason string
	Err    error
}

func (e *EngineFaultError) Error() string {
	if e.Err == nil {
		return "sqlengine: engine fault: " + e.Reason
	}
	return fmt.Sprintf("sqlengine: engine fault: %s: %v", e.Reason, e.Err)
}

func (e *EngineFaultError) Unwrap() error { return e.Err }

// IsFault reports whether err carries an EngineFaultError anywhere in its chain.
func IsFault(err error) bool {
	var fault *EngineFaultError
	return errors.As(err, &fault)
}

// faultCodes are the SQLite primary result codes that leave the in-memory
// database in an unknown state.
var faultCodes = map[sqlite3.ErrNo]string{
	sqlite3.ErrCorrupt:  "database image is malformed",
	sqlite3.ErrNomem:    "out of memory",
	sqlite3.ErrMisuse:   "library misuse",
	sqlite3.ErrNotADB:   "not a database",
	sqlite3.ErrInternal: "internal logic error",
}

// classifyFault returns a fault for errors that poison the engine, or nil.
func classifyFault(err error) *EngineFaultError {
	var se sqlite3.Error
	if errors.As(err, &se) {
		if reason, ok := faultCodes[se.Code]; ok {
			return &EngineFaultError{Reason: reason, Err: err}
		}
	}
	return nil
}
