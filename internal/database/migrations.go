package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairConversationCursors = "2026-10-01_repair_conversation_cursors"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairConversationCursors, apply: repairConversationCursors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairConversationCursors raises each conversation's append cursor to the
// newest stored message so the next append cannot reuse a sequence number.
func repairConversationCursors(db *gorm.DB) error {
	return db.Exec(`UPDATE conversations SET
		last_seq = (SELECT COALESCE(MAX(seq), conversations.last_seq) FROM messages WHERE messages.conversation_id = conversations.conversation_id),
		last_message_ms = (SELECT COALESCE(MAX(created_at_ms), conversations.last_message_ms) FROM messages WHERE messages.conversation_id = conversations.conversation_id)
		WHERE EXISTS (SELECT 1 FROM messages WHERE messages.conversation_id = conversations.conversation_id AND messages.seq > conversations.last_seq)`).Error
}
