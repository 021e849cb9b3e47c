package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miragelabs/mirage/backend/internal/characters"
	"github.com/miragelabs/mirage/backend/internal/chats"
	"github.com/miragelabs/mirage/backend/internal/payments"
	"github.com/miragelabs/mirage/backend/internal/rewards"
	"github.com/miragelabs/mirage/backend/internal/users"
)

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

	if err := db.AutoMigrate(
		&characters.Character{},
		&chats.Chat{},
		&chats.Message{},
		&chats.FollowUp{},
		&users.User{},
		&users.Persona{},
		&rewards.Checkin{},
		&payments.PaymentEvent{},
		&migrationRecord{},
	); err != nil {
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
