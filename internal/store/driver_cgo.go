// ABOUTME: Registers the cgo SQLite driver when the build has cgo enabled
// ABOUTME: Selected with database.type "sqlite3" in the bridge config

//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)
