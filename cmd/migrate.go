package cmd

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/jmehdipour/servicing-events/internal/db"
	"github.com/jmehdipour/servicing-events/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var skipClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the MySQL and ClickHouse tables (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()

		n, err := execFile(mysqlDB, migrations.MySQLInit)
		if err != nil {
			return fmt.Errorf("mysql migration: %w", err)
		}
		log.Info("mysql migrated", zap.String("file", migrations.MySQLInit), zap.Int("statements", n))

		if skipClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		n, err = execFile(chDB, migrations.ClickHouseInit)
		if err != nil {
			return fmt.Errorf("clickhouse migration: %w", err)
		}
		log.Info("clickhouse migrated", zap.String("file", migrations.ClickHouseInit), zap.Int("statements", n))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&skipClickHouse, "skip-clickhouse", false, "only migrate MySQL")
}

// execFile runs each ;-separated statement of an embedded file. ClickHouse
// rejects multi-statement queries, so statements are sent one by one.
func execFile(dbx *sqlx.DB, name string) (int, error) {
	b, err := fs.ReadFile(migrations.FS, name)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	n := 0
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := dbx.Exec(stmt); err != nil {
			return n, fmt.Errorf("statement %d: %w", n+1, err)
		}
		n++
	}
	return n, nil
}
