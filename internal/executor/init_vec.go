//go:build sqlite_vec && cgo

package executor

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so
	// data sources that ship vec0 virtual tables open cleanly.
	vec.Auto()
}
