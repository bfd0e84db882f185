// Package migrations embeds the goose schema migrations of the SQL backend,
// one directory per dialect.
package migrations

import "embed"

//go:embed sqlite3/*.sql postgres/*.sql
var FS embed.FS
