//go:build cgo

package sqlite

import (
	_ "github.com/mattn/go-sqlite3"
)

// CGOEnabled reports whether the sqlite store is built with cgo support.
const CGOEnabled = true

const driverName = "sqlite3"
