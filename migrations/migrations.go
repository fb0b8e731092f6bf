// Package migrations embeds the MySQL and ClickHouse schema files.
package migrations

import "embed"

//go:embed *.sql clickhouse/*.sql
var FS embed.FS

const (
	MySQLInit      = "001_init.sql"
	ClickHouseInit = "clickhouse/001_metrics.sql"
)
