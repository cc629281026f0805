package database

import (
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/readstate"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted table in migration order.
func Models() []any {
	return []any{
		&users.Identity{},
		&contacts.Edge{},
		&conversations.Conversation{},
		&conversations.Message{},
		&conversations.MessageView{},
		&readstate.Watermark{},
		&notifications.Notification{},
		&stories.Story{},
		&stories.StoryView{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Handle is a process-wide database connection opened on first use and kept
// for the lifetime of the process.
type Handle struct {
	path   string
	logger *zap.Logger

	once sync.Once
	db   *gorm.DB
	err  error
}

// NewHandle prepares a lazily opened handle for path.
func NewHandle(path string, logger *zap.Logger) *Handle {
	return &Handle{path: path, logger: logger}
}

// Get opens the database on the first call and returns the same connection afterwards.
// An initialization failure is sticky.
func (h *Handle) Get() (*gorm.DB, error) {
	h.once.Do(func() {
		h.db, h.err = OpenSQLite(h.path, h.logger)
	})
	return h.db, h.err
}
