package tracker

import (
	"database/sql"

	"github.com/presage-io/presage/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create tracker tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS tracker_contacts (
						jid TEXT PRIMARY KEY,
						platform TEXT NOT NULL,
						display_number TEXT NOT NULL,
						contact_name TEXT NOT NULL DEFAULT '',
						avatar_url TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX IF NOT EXISTS idx_tracker_contacts_platform ON tracker_contacts(platform)`,

					`CREATE TABLE IF NOT EXISTS tracker_settings (
						key TEXT PRIMARY KEY,
						value TEXT NOT NULL,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
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
