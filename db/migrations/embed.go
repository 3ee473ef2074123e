// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// FS holds every NNNN_name.{up,down}.sql file.
//
//go:embed *.sql
var FS embed.FS
