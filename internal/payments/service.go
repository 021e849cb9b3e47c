package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miragelabs/mirage/backend/internal/users"
)

var (
	// ErrInvalidSignature indicates the webhook signature does not match the
	// raw payload bytes.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMalformedEvent indicates the payload could not be interpreted.
	ErrMalformedEvent = errors.New("payments: malformed event")
)

// PaymentEvent records a fulfilled provider event. The provider event id as
// primary key makes redelivery a no-op.
type PaymentEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:190;not null" json:"eventId"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_payment_events_user" json:"userId"`
	Amount      int64     `gorm:"column:amount;not null" json:"amount"`
	EventType   string    `gorm:"column:event_type;size:190;not null;default:''" json:"eventType"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null" json:"processedAt"`
}

// TableName provides the explicit table binding for GORM.
func (PaymentEvent) TableName() string {
	return "payment_events"
}

// webhookEvent is the wire shape of the provider payload.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		UserID string `json:"userId"`
		Amount int64  `json:"amount"`
	} `json:"data"`
}

// ServiceConfig describes the dependencies of the payment service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// WebhookSecret is the shared HMAC key the provider signs payloads with.
	WebhookSecret []byte
}

// Service verifies and fulfills payment webhooks exactly once per provider
// event id.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	secret []byte
}

// NewService constructs the payment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("payments: database connection required")
	}
	if len(cfg.WebhookSecret) == 0 {
		return nil, fmt.Errorf("payments: webhook secret required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		secret: cfg.WebhookSecret,
	}, nil
}

// Fulfill verifies the signature against the raw payload bytes and credits
// the purchase. Redelivery of an already-processed event id succeeds without
// a second credit. The signature is computed over the exact bytes received;
// re-serialization would break it.
func (s *Service) Fulfill(ctx context.Context, signature string, rawPayload []byte) error {
	if err := s.verifySignature(signature, rawPayload); err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err))
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Data.UserID == "" || event.Data.Amount <= 0 {
		return fmt.Errorf("%w: missing id, user, or amount", ErrMalformedEvent)
	}

	record := PaymentEvent{
		EventID:     event.ID,
		UserID:      event.Data.UserID,
		Amount:      event.Data.Amount,
		EventType:   event.Type,
		ProcessedAt: s.clock().UTC(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Redelivery: already fulfilled, nothing to credit.
			return nil
		}
		return users.CreditBalance(tx, event.Data.UserID, event.Data.Amount)
	})
	if txErr != nil {
		s.logger.Error("webhook fulfillment failed",
			zap.String("event_id", event.ID),
			zap.Error(txErr))
		return txErr
	}

	s.logger.Info("webhook fulfilled",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

func (s *Service) verifySignature(signature string, rawPayload []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(rawPayload)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign computes the hex signature for a payload. Exposed for tests and local
// tooling that emulates the provider.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
