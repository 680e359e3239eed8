package database

import "embed"

// EmbeddedMigrations holds migrations/*.sql, compiled into the binary so a
// deployment needs nothing next to the executable.
// Use fs.Sub(EmbeddedMigrations, "migrations") to reach the files.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
