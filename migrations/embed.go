// Package migrations embeds the PostgreSQL schema files applied by
// "lis-server migrate up".
package migrations

import "embed"

// FS holds every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
