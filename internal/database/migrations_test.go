package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miragelabs/mirage/backend/internal/characters"
)

func TestApplyMigrationsBackfillsCharacterVisibility(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&characters.Character{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	published := characters.Character{
		CharacterID:   "char-published",
		CreatorID:     "user-1",
		Name:          "Published",
		GreetingsJSON: "[]",
		IsDraft:       false,
	}
	if err := database.Create(&published).Error; err != nil {
		testContext.Fatalf("failed to insert published character: %v", err)
	}
	// GORM drops zero-value fields that carry a default tag on Create, so the
	// is_draft=false intent has to be written explicitly.
	if err := database.Model(&characters.Character{}).Where("character_id = ?", published.CharacterID).Update("is_draft", false).Error; err != nil {
		testContext.Fatalf("failed to mark character as published: %v", err)
	}
	draft := characters.Character{
		CharacterID:   "char-draft",
		CreatorID:     "user-1",
		Name:          "Draft",
		GreetingsJSON: "[]",
		IsDraft:       true,
	}
	if err := database.Create(&draft).Error; err != nil {
		testContext.Fatalf("failed to insert draft character: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored characters.Character
	if err := database.Where("character_id = ?", published.CharacterID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload published character: %v", err)
	}
	if stored.Visibility != characters.VisibilityPublic {
		testContext.Fatalf("expected visibility backfilled to public, got %q", stored.Visibility)
	}

	var storedDraft characters.Character
	if err := database.Where("character_id = ?", draft.CharacterID).Take(&storedDraft).Error; err != nil {
		testContext.Fatalf("failed to reload draft character: %v", err)
	}
	if storedDraft.Visibility != "" {
		testContext.Fatalf("expected draft visibility untouched, got %q", storedDraft.Visibility)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillCharacterVisibility).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}
