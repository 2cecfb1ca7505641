//go:build !sqlite_vtable

package sqlengine

// go-sqlite3 only defines its virtual table API under the sqlite_vtable tag.
// Without it this identifier is undefined and the build stops here:
//
//	go build -tags sqlite_vtable ./...
var _ = build_with_tags_sqlite_vtable
