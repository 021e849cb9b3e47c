package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidUserID indicates an empty or unusable user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrNotFound indicates the referenced user or persona is absent.
	ErrNotFound = errors.New("users: not found")

	noOpLogger = zap.NewNop()
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues unique identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// Service manages user accounts, balances, and personas.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	ids    IDProvider
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
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
		db:     cfg.Database,
		now:    clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// Ensure returns the user record for the identifier, creating it on first
// sight. Subsequent calls refresh last_seen_at and any newly supplied
// profile fields.
func (s *Service) Ensure(ctx context.Context, userID, email, displayName string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, ErrInvalidUserID
	}

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			UserID:      userID,
			Email:       strings.TrimSpace(email),
			DisplayName: strings.TrimSpace(displayName),
			CreatedAt:   s.now().UTC(),
			LastSeenAt:  s.now().UTC(),
		}
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
		if result.Error != nil {
			return User{}, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost a first-sight race; the winner's row is authoritative.
			if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
				return User{}, err
			}
		}
		s.cache.Store(userID, struct{}{})
		return user, nil
	} else if err != nil {
		return User{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if trimmed := strings.TrimSpace(email); trimmed != "" && trimmed != user.Email {
		updates["email"] = trimmed
		user.Email = trimmed
	}
	if trimmed := strings.TrimSpace(displayName); trimmed != "" && trimmed != user.DisplayName {
		updates["display_name"] = trimmed
		user.DisplayName = trimmed
	}
	// The refresh is best-effort; a failure must not block the request, but
	// it must not vanish either.
	refreshErr := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error
	if refreshErr != nil {
		s.logger.Error("user profile refresh failed",
			zap.String("operation", "users.ensure"),
			zap.String("reason", "refresh_failed"),
			zap.String("user_id", userID),
			zap.Error(refreshErr))
	}

	s.cache.Store(userID, struct{}{})
	return user, nil
}

// Get fetches a user by identifier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Exists reports whether the user has been seen before, consulting the
// in-process cache first.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	if _, ok := s.cache.Load(userID); ok {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		s.cache.Store(userID, struct{}{})
	}
	return count > 0, nil
}

// CreatePersona inserts a persona owned by the user. The first persona
// becomes the user's primary persona.
func (s *Service) CreatePersona(ctx context.Context, userID, name, description string) (Persona, error) {
	if strings.TrimSpace(userID) == "" {
		return Persona{}, ErrInvalidUserID
	}
	personaID, err := s.ids.NewID()
	if err != nil {
		return Persona{}, err
	}
	persona := Persona{
		PersonaID:   personaID,
		UserID:      userID,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now().UTC(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&persona).Error; err != nil {
			return err
		}
		return tx.Model(&User{}).
			Where("user_id = ? AND primary_persona_id = ''", userID).
			Update("primary_persona_id", personaID).Error
	})
	if txErr != nil {
		return Persona{}, txErr
	}
	return persona, nil
}

// GetPersona fetches a persona by identifier.
func (s *Service) GetPersona(ctx context.Context, personaID string) (Persona, error) {
	var persona Persona
	err := s.db.WithContext(ctx).Where("persona_id = ?", personaID).First(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Persona{}, fmt.Errorf("%w: persona %s", ErrNotFound, personaID)
	}
	if err != nil {
		return Persona{}, err
	}
	return persona, nil
}

// ResolvePersona returns the supplied persona id or, when empty, the user's
// primary persona id. An empty result means the user has no persona at all.
func (s *Service) ResolvePersona(ctx context.Context, userID, personaID string) (string, error) {
	if strings.TrimSpace(personaID) != "" {
		return personaID, nil
	}
	user, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.PrimaryPersonaID, nil
}

// CreditBalance atomically adds amount to the user's balance using the
// provided handle, which may be a transaction.
func CreditBalance(tx *gorm.DB, userID string, amount int64) error {
	result := tx.Model(&User{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}
