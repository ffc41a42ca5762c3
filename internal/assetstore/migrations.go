package assetstore

import (
	"database/sql"

	"github.com/relaymesh/relaymesh/pkg/plugin"
)

// Migrations returns the schema migrations for the asset store. The caller
// runs them through plugin.Store.Migrate under a chosen plugin name (the
// manager registers them under "gateway" since the mirrored subtree lives
// in the same database as the gateway plugin's own tables; a standalone
// gatewayd process registers them under "gatewayd").
func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create assets table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS assets (
						id         TEXT PRIMARY KEY,
						version    INTEGER NOT NULL DEFAULT 1,
						name       TEXT NOT NULL,
						type       TEXT NOT NULL,
						parent_id  TEXT,
						realm      TEXT NOT NULL,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						attributes TEXT NOT NULL DEFAULT '{}'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_assets_parent ON assets(parent_id)`,
					`CREATE INDEX IF NOT EXISTS idx_assets_realm ON assets(realm)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
