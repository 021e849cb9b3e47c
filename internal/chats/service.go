package chats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the referenced chat or record is absent.
	ErrNotFound = errors.New("chats: not found")
	// ErrPermissionDenied indicates the actor does not own the chat.
	ErrPermissionDenied = errors.New("chats: permission denied")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Job kinds enqueued by the chat service.
const (
	JobGenerateFollowUps = "chat.followups"
	JobAnswer            = "chat.answer"
)

// FollowUpJobPayload drives follow-up suggestion generation for a chat.
type FollowUpJobPayload struct {
	ChatID      string
	CharacterID string
	PersonaID   string
	UserID      string
}

// AnswerJobPayload drives an autopilot chat turn. ReverseRole makes the
// model write the user's side of the conversation.
type AnswerJobPayload struct {
	ChatID      string
	CharacterID string
	PersonaID   string
	UserID      string
	ReverseRole bool
}

// IDProvider issues unique identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// JobEnqueuer is the fire-and-forget scheduling boundary.
type JobEnqueuer interface {
	Enqueue(kind string, payload interface{}, delay time.Duration)
}

// PersonaResolver maps an optional persona id to the effective one, falling
// back to the user's primary persona.
type PersonaResolver interface {
	ResolvePersona(ctx context.Context, userID, personaID string) (string, error)
}

// ChangePublisher receives a notification after every committed chat-scoped
// write so live follow-up readers can refresh.
type ChangePublisher interface {
	PublishChatChange(chatID string)
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Jobs       JobEnqueuer
	Personas   PersonaResolver
	Events     ChangePublisher
}

// Service manages chats, their transcripts, and follow-up suggestions.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	ids      IDProvider
	logger   *zap.Logger
	jobs     JobEnqueuer
	personas PersonaResolver
	events   ChangePublisher
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("chats: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("chats: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		ids:      cfg.IDProvider,
		logger:   logger,
		jobs:     cfg.Jobs,
		personas: cfg.Personas,
		events:   cfg.Events,
	}, nil
}

// Create opens a chat between the user and a character.
func (s *Service) Create(ctx context.Context, userID, characterID, chatName string) (Chat, error) {
	if strings.TrimSpace(userID) == "" {
		return Chat{}, fmt.Errorf("%w: missing user", ErrPermissionDenied)
	}
	chatID, err := s.ids.NewID()
	if err != nil {
		return Chat{}, err
	}
	now := s.clock().UTC()
	chat := Chat{
		ChatID:      chatID,
		UserID:      userID,
		CharacterID: characterID,
		ChatName:    strings.TrimSpace(chatName),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&chat).Error; err != nil {
		s.logError("chats.create", "insert_failed", err, zap.String("user_id", userID))
		return Chat{}, err
	}
	return chat, nil
}

// Get fetches a chat owned by the user.
func (s *Service) Get(ctx context.Context, userID, chatID string) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		s.logError("chats.get", "query_failed", err, zap.String("chat_id", chatID))
		return Chat{}, err
	}
	if chat.UserID != userID {
		return Chat{}, fmt.Errorf("%w: user does not own chat %s", ErrPermissionDenied, chatID)
	}
	return chat, nil
}

// Lookup fetches a chat without an ownership check; job handlers use it to
// re-check existence before acting.
func (s *Service) Lookup(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// AppendMessage writes one message to the transcript and bumps the chat's
// updated_at.
func (s *Service) AppendMessage(ctx context.Context, chatID, role, text, personaID string) (Message, error) {
	messageID, err := s.ids.NewID()
	if err != nil {
		return Message{}, err
	}
	now := s.clock().UTC()
	message := Message{
		MessageID: messageID,
		ChatID:    chatID,
		Role:      role,
		Text:      text,
		PersonaID: personaID,
		CreatedAt: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).Where("chat_id = ?", chatID).Update("updated_at", now).Error
	})
	if txErr != nil {
		s.logError("chats.append_message", "insert_failed", txErr, zap.String("chat_id", chatID))
		return Message{}, txErr
	}
	s.publishChange(chatID)
	return message, nil
}

// LatestMessage returns the most recent message via the (chat, created_at)
// index.
func (s *Service) LatestMessage(ctx context.Context, chatID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, message_id DESC").
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, fmt.Errorf("%w: chat %s has no messages", ErrNotFound, chatID)
	}
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *Service) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var recent []Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, message_id DESC").
		Limit(limit).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// RequestFollowUps schedules follow-up suggestion generation for a chat the
// user owns. The caller never waits on the result.
func (s *Service) RequestFollowUps(ctx context.Context, userID, chatID, characterID, personaID string) error {
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return err
	}
	resolved, err := s.resolvePersona(ctx, userID, personaID)
	if err != nil {
		return err
	}
	s.enqueue(JobGenerateFollowUps, FollowUpJobPayload{
		ChatID:      chatID,
		CharacterID: characterID,
		PersonaID:   resolved,
		UserID:      userID,
	})
	return nil
}

// Autopilot schedules a reverse-role chat turn: the model writes the user's
// next message.
func (s *Service) Autopilot(ctx context.Context, userID, chatID, characterID, personaID string) error {
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return err
	}
	resolved, err := s.resolvePersona(ctx, userID, personaID)
	if err != nil {
		return err
	}
	s.enqueue(JobAnswer, AnswerJobPayload{
		ChatID:      chatID,
		CharacterID: characterID,
		PersonaID:   resolved,
		UserID:      userID,
		ReverseRole: true,
	})
	return nil
}

// InsertFollowUps records a fresh suggestion set and marks every prior set
// for the chat stale in the same transaction. Stale readers keep seeing the
// old record until the new one is visible.
func (s *Service) InsertFollowUps(ctx context.Context, chatID string, suggestions []string) (FollowUp, error) {
	followUpID, err := s.ids.NewID()
	if err != nil {
		return FollowUp{}, err
	}
	record := FollowUp{
		FollowUpID: followUpID,
		ChatID:     chatID,
		IsStale:    false,
		CreatedAt:  s.clock().UTC(),
	}
	if len(suggestions) > 0 {
		record.FollowUp1 = suggestions[0]
	}
	if len(suggestions) > 1 {
		record.FollowUp2 = suggestions[1]
	}
	if len(suggestions) > 2 {
		record.FollowUp3 = suggestions[2]
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&FollowUp{}).
			Where("chat_id = ? AND is_stale = ?", chatID, false).
			Update("is_stale", true).Error
		if err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if txErr != nil {
		s.logError("chats.insert_follow_ups", "insert_failed", txErr, zap.String("chat_id", chatID))
		return FollowUp{}, txErr
	}
	s.publishChange(chatID)
	return record, nil
}

// MarkFollowUpsStale retires every live suggestion set for the chat.
// Suggestions are drafted against a transcript tail; once the conversation
// advances past it they must stop being served as fresh.
func (s *Service) MarkFollowUpsStale(ctx context.Context, chatID string) error {
	err := s.db.WithContext(ctx).Model(&FollowUp{}).
		Where("chat_id = ? AND is_stale = ?", chatID, false).
		Update("is_stale", true).Error
	if err != nil {
		s.logError("chats.mark_follow_ups_stale", "update_failed", err, zap.String("chat_id", chatID))
		return err
	}
	s.publishChange(chatID)
	return nil
}

// LatestFollowUp returns the newest non-superseded suggestion set for a chat
// the user owns.
func (s *Service) LatestFollowUp(ctx context.Context, userID, chatID string) (FollowUp, error) {
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return FollowUp{}, err
	}
	var followUp FollowUp
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND is_stale = ?", chatID, false).
		Order("created_at DESC, follow_up_id DESC").
		First(&followUp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FollowUp{}, fmt.Errorf("%w: no follow-ups for chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return FollowUp{}, err
	}
	return followUp, nil
}

func (s *Service) resolvePersona(ctx context.Context, userID, personaID string) (string, error) {
	if s.personas == nil {
		return personaID, nil
	}
	return s.personas.ResolvePersona(ctx, userID, personaID)
}

func (s *Service) enqueue(kind string, payload interface{}) {
	if s.jobs == nil {
		return
	}
	s.jobs.Enqueue(kind, payload, 0)
}

func (s *Service) publishChange(chatID string) {
	if s.events == nil {
		return
	}
	s.events.PublishChatChange(chatID)
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
	s.logger.Error("chat service error", attrs...)
}
