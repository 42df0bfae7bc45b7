// Package migrations embeds the SQL schema applied by store.Migrate and the
// integration tests.
package migrations

import "embed"

// Postgres holds the ordered PostgreSQL migration files.
//
//go:embed postgres/*.sql
var Postgres embed.FS
