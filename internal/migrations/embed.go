package migrations

import "embed"

//go:embed sql
var sqlMigrations embed.FS
