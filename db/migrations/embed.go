// Package dbmigrations exposes embedded SQL migrations for Outpost binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Outpost binaries.
//
//go:embed *.sql
var Files embed.FS
