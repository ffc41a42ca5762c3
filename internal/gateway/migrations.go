package gateway

import (
	"database/sql"

	"github.com/relaymesh/relaymesh/pkg/plugin"
)

// migrations returns the schema migrations owned by the gateway plugin:
// the reverse gateway-client connection table (§4.8). The manager's own
// mirrored/local asset tree (assetstore.Migrations) and the id-mapper's
// reverse side table (idmap.EnsureSchema) are registered alongside these
// by the Module at Init time, under the same plugin name and migration
// sequence — this starts at version 2 so it never collides with
// assetstore.Migrations' version 1.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     2,
			Description: "create gateway_connections table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS gateway_connections (
						id TEXT PRIMARY KEY,
						realm TEXT NOT NULL,
						host TEXT NOT NULL,
						port INTEGER NOT NULL,
						client_id TEXT NOT NULL,
						client_secret TEXT NOT NULL,
						secure INTEGER NOT NULL DEFAULT 1,
						disabled INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_gateway_connections_realm ON gateway_connections(realm)`)
				return err
			},
		},
	}
}
