package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// createSlotOccupanciesTable creates the slot_occupancies table. The unique
// constraint allows at most one occupancy per restaurant slot.
func createSlotOccupanciesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "001_create_slot_occupancies",
		Migrate: func(tx *gorm.DB) error {
			err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS slot_occupancies (
					id UUID PRIMARY KEY,
					restaurant_id BIGINT NOT NULL,
					slot_date VARCHAR(10) NOT NULL,
					start_time VARCHAR(5) NOT NULL,
					user_id VARCHAR(64) NOT NULL,
					party_size INTEGER NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,

					CONSTRAINT uq_slot_occupancy UNIQUE (restaurant_id, slot_date, start_time)
				);
			`).Error
			if err != nil {
				return err
			}

			return tx.Exec("CREATE INDEX IF NOT EXISTS idx_slot_occupancies_user_id ON slot_occupancies(user_id);").Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec("DROP TABLE IF EXISTS slot_occupancies;").Error
		},
	}
}
