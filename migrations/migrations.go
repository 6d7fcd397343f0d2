// Package migrations embeds the database schema.
package migrations

import "embed"

// FS holds the schema files, applied in name order
//
//go:embed *.sql
var FS embed.FS
