// Package migrations embeds the task store schema.
package migrations

import "embed"

// Files holds the task store migrations under sql/.
//
//go:embed sql/*.sql
var Files embed.FS

// Table is the schema version table of the task store.
const Table = "task_schema_migrations"
