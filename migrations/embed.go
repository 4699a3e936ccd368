// Package migrations embeds the SQL migrations applied by database.RunMigrations.
package migrations

import "embed"

// FS holds the numbered golang-migrate files.
//
//go:embed *.sql
var FS embed.FS
