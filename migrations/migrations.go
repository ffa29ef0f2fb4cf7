// Package migrations holds the embedded SQL migrations for the canonical
// store. Each driver has its own directory; every migration is a directory
// of one or more .sql files applied in lexical order of the directory name.
package migrations

import "embed"

//go:embed sqlite/*/*.sql postgres/*/*.sql
var FS embed.FS
