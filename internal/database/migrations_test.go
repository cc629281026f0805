package database

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsConversationCursors(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&conversations.Conversation{}, &conversations.Message{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	conversation := conversations.Conversation{
		ConversationID: "alice_bob",
		ParticipantA:   "alice",
		ParticipantB:   "bob",
		LastSeq:        1,
		LastMessageMs:  1000,
		CreatedAtMs:    900,
	}
	if err := database.Create(&conversation).Error; err != nil {
		testContext.Fatalf("failed to insert conversation: %v", err)
	}
	for seq, createdAt := range map[int64]int64{1: 1000, 2: 2000, 3: 3000} {
		message := conversations.Message{
			MessageID:      fmt.Sprintf("message-%d", seq),
			ConversationID: conversation.ConversationID,
			Seq:            seq,
			SenderID:       "alice",
			CreatedAtMs:    createdAt,
			Kind:           conversations.PayloadKindText,
			Text:           "hello",
		}
		if err := database.Create(&message).Error; err != nil {
			testContext.Fatalf("failed to insert message: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored conversations.Conversation
	if err := database.Where("conversation_id = ?", conversation.ConversationID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload conversation: %v", err)
	}
	if stored.LastSeq != 3 || stored.LastMessageMs != 3000 {
		testContext.Fatalf("expected cursor to move to seq 3 at 3000ms, got seq %d at %d", stored.LastSeq, stored.LastMessageMs)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairConversationCursors).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestHandleOpensOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "shared.db")
	handle := NewHandle(databasePath, zap.NewNop())

	first, err := handle.Get()
	if err != nil {
		testContext.Fatalf("failed to open shared handle: %v", err)
	}
	second, err := handle.Get()
	if err != nil {
		testContext.Fatalf("unexpected error on second access: %v", err)
	}
	if first != second {
		testContext.Fatalf("expected the same connection on every access")
	}

	var tableCount int64
	if err := first.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ?", []string{"messages", "read_watermarks", "notifications", "stories", "contact_edges"}).Scan(&tableCount).Error; err != nil {
		testContext.Fatalf("failed to inspect schema: %v", err)
	}
	if tableCount != 5 {
		testContext.Fatalf("expected all domain tables to exist, found %d", tableCount)
	}
}

func TestHandleKeepsInitializationFailure(testContext *testing.T) {
	handle := NewHandle("", nil)
	if _, err := handle.Get(); err == nil {
		testContext.Fatalf("expected empty path to fail")
	}
	if _, err := handle.Get(); err == nil {
		testContext.Fatalf("expected failure to be sticky")
	}
}
