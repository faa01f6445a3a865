package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"gorm.io/gorm"
)

func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_sent_incomplete ON notifications (sending_started_date_time) WHERE partition_key = 'Sent' AND sent_date_time IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_draft_schedule ON notifications (scheduled_date_time) WHERE partition_key = 'Draft'`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_draft_id ON notifications (draft_id) WHERE draft_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
