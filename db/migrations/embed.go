// Package migrations contains the embedded SQL files that create the
// object-store tables of each local database version.
package migrations

import "embed"

// Files exposes the compiled-in migration SQL files.
//
//go:embed *.sql
var Files embed.FS
