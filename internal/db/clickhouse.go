package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the analytics store holding message_metrics,
// e.g. clickhouse://default:@localhost:9000/servicing?dial_timeout=5s&compress=true
func NewClickHouseConnection(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("db: empty clickhouse dsn")
	}
	return open("clickhouse", c.DSN, PoolOptsFrom(c), 3*time.Second)
}
