package characters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew     = "characters.service.new"
	opUpsert         = "characters.upsert"
	opPublish        = "characters.publish"
	opGenerate       = "characters.generate"
	opInstruction    = "characters.request_instruction"
	opArchive        = "characters.archive"
	opGet            = "characters.get"
	opAutofill       = "characters.autofill"
	opApplyTags      = "characters.apply_tags"
	opSetCardImage   = "characters.set_card_image"
	opSetEmbedding   = "characters.set_embedding"
	opBumpNumChats   = "characters.bump_num_chats"
	opList           = "characters.list"
	opSearch         = "characters.search"
	opListMine       = "characters.list_mine"
	opSimilar        = "characters.similar"
	opPopularTags    = "characters.popular_tags"
)

// Embedder converts a text query into the vector used for similarity search.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ServiceConfig describes the dependencies of the character service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// Jobs is optional; without it mutations succeed but no enrichment is
	// scheduled.
	Jobs JobEnqueuer
	// Events is optional; without it no change notifications are emitted.
	Events ChangePublisher
	// Embedder is optional; without it Similar returns an error.
	Embedder Embedder
	// DefaultModel is assigned to new drafts that do not name a backend.
	// Empty falls back to DefaultModel.
	DefaultModel string
}

// Service is the single choke point for character mutations and the read
// side serving listings, search, and similarity.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	ids      IDProvider
	logger   *zap.Logger
	jobs     JobEnqueuer
	events   ChangePublisher
	embedder Embedder
	model    string
}

// NewService constructs the character service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		ids:      cfg.IDProvider,
		logger:   logger,
		jobs:     cfg.Jobs,
		events:   cfg.Events,
		embedder: cfg.Embedder,
		model:    model,
	}, nil
}

// Upsert inserts a new draft owned by actorID when the request carries no
// character id, and otherwise applies the supplied fields as a partial patch
// after an ownership check. Omitted fields are untouched.
func (s *Service) Upsert(ctx context.Context, actorID string, request UpsertRequest) (Character, error) {
	if strings.TrimSpace(actorID) == "" {
		return Character{}, fmt.Errorf("%w: missing actor", ErrPermissionDenied)
	}

	if request.CharacterID == "" {
		character, err := s.insertDraft(ctx, actorID, request)
		if err != nil {
			return Character{}, err
		}
		s.publishChange(character)
		return character, nil
	}

	character, err := s.patchOwned(ctx, opUpsert, actorID, request.CharacterID, func(existing Character) (map[string]interface{}, error) {
		return request.toUpdates(s.clock().UTC()), nil
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// Publish flips a draft to published. It fails with ErrValidation when the
// character has no name or no greeting; an empty description is derived from
// the first greeting here and nowhere else. A tagging job is enqueued only
// when the character has not been tagged yet.
func (s *Service) Publish(ctx context.Context, actorID, characterID, visibility string) (Character, error) {
	var needsTagging bool
	character, err := s.patchOwned(ctx, opPublish, actorID, characterID, func(existing Character) (map[string]interface{}, error) {
		greetings := existing.Greetings()
		if existing.Name == "" || len(greetings) == 0 {
			return nil, fmt.Errorf("%w: character must have a name and greeting", ErrValidation)
		}
		updates := map[string]interface{}{
			"is_draft":   false,
			"updated_at": s.clock().UTC(),
		}
		if visibility != "" {
			updates["visibility"] = visibility
		}
		if existing.Description == "" {
			updates["description"] = greetings[0]
		}
		needsTagging = existing.LanguageTag == ""
		return updates, nil
	})
	if err != nil {
		return Character{}, err
	}

	if needsTagging {
		s.enqueue(JobGenerateTags, TagJobPayload{UserID: actorID, CharacterID: characterID})
	}
	s.publishChange(character)
	return character, nil
}

// Generate inserts an empty draft and schedules full autofill for it. The
// caller gets the draft id immediately and never waits on the job.
func (s *Service) Generate(ctx context.Context, actorID string) (Character, error) {
	if strings.TrimSpace(actorID) == "" {
		return Character{}, fmt.Errorf("%w: missing actor", ErrPermissionDenied)
	}
	character, err := s.insertDraft(ctx, actorID, UpsertRequest{})
	if err != nil {
		return Character{}, err
	}
	s.enqueue(JobGenerateCharacter, GenerateJobPayload{UserID: actorID, CharacterID: character.CharacterID})
	s.publishChange(character)
	return character, nil
}

// RequestInstruction schedules instruction generation for the supplied name
// and description, returning whatever instructions are stored right now.
func (s *Service) RequestInstruction(ctx context.Context, actorID, characterID, name, description string) (string, error) {
	character, err := s.Get(ctx, characterID)
	if err != nil {
		return "", err
	}
	s.enqueue(JobGenerateInstruction, InstructionJobPayload{
		UserID:      actorID,
		CharacterID: characterID,
		Name:        name,
		Description: description,
	})
	return character.Instructions, nil
}

// Archive soft-deletes the character after an ownership check.
func (s *Service) Archive(ctx context.Context, actorID, characterID string) error {
	character, err := s.patchOwned(ctx, opArchive, actorID, characterID, func(existing Character) (map[string]interface{}, error) {
		return map[string]interface{}{
			"is_archived": true,
			"updated_at":  s.clock().UTC(),
		}, nil
	})
	if err != nil {
		return err
	}
	s.publishChange(character)
	return nil
}

// Get fetches a character by id.
func (s *Service) Get(ctx context.Context, characterID string) (Character, error) {
	var character Character
	err := s.db.WithContext(ctx).Where("character_id = ?", characterID).First(&character).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Character{}, fmt.Errorf("%w: character %s", ErrNotFound, characterID)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("character_id", characterID))
		return Character{}, newServiceError(opGet, "query_failed", err)
	}
	return character, nil
}

// Autofill applies a generated profile as a single system patch. Used by the
// character generation job; no ownership check applies.
func (s *Service) Autofill(ctx context.Context, characterID, name, description, instructions, greeting string) (Character, error) {
	character, err := s.patchSystem(ctx, opAutofill, characterID, map[string]interface{}{
		"name":           name,
		"description":    description,
		"instructions":   instructions,
		"greetings_json": encodeGreetings([]string{greeting}),
		"updated_at":     s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// SetInstructions stores generated instructions as a single system patch.
func (s *Service) SetInstructions(ctx context.Context, characterID, instructions string) (Character, error) {
	character, err := s.patchSystem(ctx, opInstruction, characterID, map[string]interface{}{
		"instructions": instructions,
		"updated_at":   s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// ApplyTags stores the four taxonomy tags as a single system patch.
func (s *Service) ApplyTags(ctx context.Context, characterID, languageTag, genreTag, personalityTag, roleTag string) (Character, error) {
	character, err := s.patchSystem(ctx, opApplyTags, characterID, map[string]interface{}{
		"language_tag":    languageTag,
		"genre_tag":       genreTag,
		"personality_tag": personalityTag,
		"role_tag":        roleTag,
		"updated_at":      s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// SetCardImage stores the generated card image URL.
func (s *Service) SetCardImage(ctx context.Context, characterID, url string) (Character, error) {
	character, err := s.patchSystem(ctx, opSetCardImage, characterID, map[string]interface{}{
		"card_image_url": url,
		"updated_at":     s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// SetEmbedding stores the similarity-search vector.
func (s *Service) SetEmbedding(ctx context.Context, characterID string, vector []float32) (Character, error) {
	character, err := s.patchSystem(ctx, opSetEmbedding, characterID, map[string]interface{}{
		"embedding_json": encodeEmbedding(vector),
		"updated_at":     s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

// BumpNumChats atomically increments the chat counter. The counter is
// monotonically non-decreasing; concurrent bumps both survive.
func (s *Service) BumpNumChats(ctx context.Context, characterID string) (Character, error) {
	character, err := s.patchSystem(ctx, opBumpNumChats, characterID, map[string]interface{}{
		"num_chats":  gorm.Expr("num_chats + 1"),
		"updated_at": s.clock().UTC(),
	})
	if err != nil {
		return Character{}, err
	}
	s.publishChange(character)
	return character, nil
}

func (s *Service) insertDraft(ctx context.Context, actorID string, request UpsertRequest) (Character, error) {
	characterID, err := s.ids.NewID()
	if err != nil {
		s.logError(opUpsert, "id_generation_failed", err)
		return Character{}, newServiceError(opUpsert, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	character := Character{
		CharacterID:   characterID,
		CreatorID:     actorID,
		Model:         s.model,
		GreetingsJSON: "[]",
		IsDraft:       true,
		IsArchived:    false,
		IsNSFW:        false,
		IsBlacklisted: false,
		NumChats:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if request.RemixID != nil {
		character.RemixID = *request.RemixID
	}
	if request.Name != nil {
		character.Name = *request.Name
	}
	if request.Description != nil {
		character.Description = *request.Description
	}
	if request.Instructions != nil {
		character.Instructions = *request.Instructions
	}
	if request.Model != nil {
		character.Model = *request.Model
	}
	if request.CardImageURL != nil {
		character.CardImageURL = *request.CardImageURL
	}
	if request.Greetings != nil {
		character.GreetingsJSON = encodeGreetings(request.Greetings)
	}
	if err := s.db.WithContext(ctx).Create(&character).Error; err != nil {
		s.logError(opUpsert, "insert_failed", err, zap.String("creator_id", actorID))
		return Character{}, newServiceError(opUpsert, "insert_failed", err)
	}
	return character, nil
}

// patchOwned performs an ownership-checked read-modify-write of a single row
// inside one transaction. buildUpdates sees the locked snapshot and returns
// the column updates, or an error to abort with nothing written.
func (s *Service) patchOwned(ctx context.Context, operation, actorID, characterID string, buildUpdates func(Character) (map[string]interface{}, error)) (Character, error) {
	var updated Character
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Character
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("character_id = ?", characterID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: character %s", ErrNotFound, characterID)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("character_id", characterID))
			return newServiceError(operation, "select_failed", err)
		}
		if existing.CreatorID != actorID {
			return fmt.Errorf("%w: user does not own character %s", ErrPermissionDenied, characterID)
		}

		updates, err := buildUpdates(existing)
		if err != nil {
			return err
		}
		if err := tx.Model(&Character{}).Where("character_id = ?", characterID).Updates(updates).Error; err != nil {
			s.logError(operation, "patch_failed", err, zap.String("character_id", characterID))
			return newServiceError(operation, "patch_failed", err)
		}
		return tx.Where("character_id = ?", characterID).Take(&updated).Error
	})
	if txErr != nil {
		return Character{}, txErr
	}
	return updated, nil
}

// patchSystem applies a system patch with the same atomicity as patchOwned
// but without an ownership check.
func (s *Service) patchSystem(ctx context.Context, operation, characterID string, updates map[string]interface{}) (Character, error) {
	var updated Character
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Character
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("character_id = ?", characterID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: character %s", ErrNotFound, characterID)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("character_id", characterID))
			return newServiceError(operation, "select_failed", err)
		}
		if err := tx.Model(&Character{}).Where("character_id = ?", characterID).Updates(updates).Error; err != nil {
			s.logError(operation, "patch_failed", err, zap.String("character_id", characterID))
			return newServiceError(operation, "patch_failed", err)
		}
		return tx.Where("character_id = ?", characterID).Take(&updated).Error
	})
	if txErr != nil {
		return Character{}, txErr
	}
	return updated, nil
}

func (s *Service) enqueue(kind string, payload interface{}) {
	if s.jobs == nil {
		return
	}
	s.jobs.Enqueue(kind, payload, 0)
}

func (s *Service) publishChange(character Character) {
	if s.events == nil {
		return
	}
	s.events.PublishCharacterChange(character)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("character service error", attrs...)
}
