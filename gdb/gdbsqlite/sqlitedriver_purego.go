//go:build purego || !cgo

package gdbsqlite

import (
	"errors"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	sqliteDriverType = "sqlite"
	sqliteBuildType  = "purego"
)

func isForeignKeyConstraintError(e error) bool {
	var sErr *sqlite.Error
	if !errors.As(e, &sErr) {
		return false
	}

	// Only the extended code is exposed by the pure Go driver.
	return sErr.Code() == sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY
}
