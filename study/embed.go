package study

import "embed"

//go:embed db/postgres/migrations/*.sql
var PostgresMigrationsFS embed.FS

//go:embed db/clickhouse/migrations/*.sql
var ClickHouseMigrationsFS embed.FS
