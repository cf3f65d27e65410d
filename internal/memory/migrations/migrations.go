// Package migrations embeds the memory store schema.
package migrations

import "embed"

// Files holds the memory migrations under sql/.
//
//go:embed sql/*.sql
var Files embed.FS

// Table is the schema version table of the memory store.
const Table = "memory_schema_migrations"
