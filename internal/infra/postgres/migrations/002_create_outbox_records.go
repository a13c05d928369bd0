package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// createOutboxRecordsTable creates the outbox_records table.
//
// Rows are never deleted: status moves from PENDING to DELIVERED or FAILED
// and stays there. The (status, created_at) index serves the backlog monitor.
func createOutboxRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "002_create_outbox_records",
		Migrate: func(tx *gorm.DB) error {
			err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS outbox_records (
					id UUID PRIMARY KEY,
					aggregate_type VARCHAR(100) NOT NULL,
					aggregate_id VARCHAR(255) NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					event_version INTEGER NOT NULL,
					payload JSONB NOT NULL,
					status VARCHAR(20) NOT NULL,
					attempt_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,

					CONSTRAINT chk_outbox_status CHECK (status IN ('PENDING', 'DELIVERED', 'FAILED'))
				);
			`).Error
			if err != nil {
				return err
			}

			indexes := []string{
				"CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_records(status, created_at);",
				"CREATE INDEX IF NOT EXISTS idx_outbox_records_aggregate_id ON outbox_records(aggregate_id);",
			}
			for _, idx := range indexes {
				if err := tx.Exec(idx).Error; err != nil {
					return err
				}
			}

			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec("DROP TABLE IF EXISTS outbox_records;").Error
		},
	}
}
