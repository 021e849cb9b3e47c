package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miragelabs/mirage/backend/internal/users"
)

// ErrAlreadyClaimed indicates the user already checked in today.
var ErrAlreadyClaimed = errors.New("rewards: already claimed")

const dayFormat = "2006-01-02"

// Checkin records one daily reward claim. The (user, day) uniqueness is the
// sole guard against double rewards: concurrent claims race on the insert
// and exactly one wins.
type Checkin struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Day       string    `gorm:"column:day;primaryKey;size:10;not null" json:"day"`
	Amount    int64     `gorm:"column:amount;not null" json:"amount"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Checkin) TableName() string {
	return "checkins"
}

// ServiceConfig describes the dependencies of the reward service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// RewardAmount is credited per successful check-in.
	RewardAmount int64
}

// Service hands out the daily check-in reward at most once per user per
// calendar day.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	amount int64
}

// NewService constructs the reward service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rewards: database connection required")
	}
	if cfg.RewardAmount <= 0 {
		return nil, fmt.Errorf("rewards: reward amount must be positive")
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
		amount: cfg.RewardAmount,
	}, nil
}

// Checkin claims today's reward. The second and any later claim for the same
// calendar day fails with ErrAlreadyClaimed and credits nothing.
func (s *Service) Checkin(ctx context.Context, userID string) (Checkin, error) {
	now := s.clock().UTC()
	record := Checkin{
		UserID:    userID,
		Day:       now.Format(dayFormat),
		Amount:    s.amount,
		CreatedAt: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: user %s on %s", ErrAlreadyClaimed, userID, record.Day)
		}
		return users.CreditBalance(tx, userID, s.amount)
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrAlreadyClaimed) {
			s.logger.Error("checkin failed", zap.String("user_id", userID), zap.Error(txErr))
		}
		return Checkin{}, txErr
	}
	return record, nil
}

// CheckedIn reports whether the user already claimed today's reward. Pure
// read, no side effects.
func (s *Service) CheckedIn(ctx context.Context, userID string) (bool, error) {
	day := s.clock().UTC().Format(dayFormat)
	var count int64
	err := s.db.WithContext(ctx).Model(&Checkin{}).
		Where("user_id = ? AND day = ?", userID, day).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
