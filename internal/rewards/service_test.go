package rewards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/miragelabs/mirage/backend/internal/users"
)

func newTestService(testContext *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("raw handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Checkin{}, &users.User{}); err != nil {
		testContext.Fatalf("migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{Database: db, Clock: clock, RewardAmount: 50})
	if err != nil {
		testContext.Fatalf("build service: %v", err)
	}
	return service, db
}

func seedUser(testContext *testing.T, db *gorm.DB, userID string) {
	testContext.Helper()
	user := users.User{UserID: userID, CreatedAt: time.Now().UTC(), LastSeenAt: time.Now().UTC()}
	if err := db.Create(&user).Error; err != nil {
		testContext.Fatalf("seed user: %v", err)
	}
}

func loadBalance(testContext *testing.T, db *gorm.DB, userID string) int64 {
	testContext.Helper()
	var user users.User
	if err := db.Where("user_id = ?", userID).Take(&user).Error; err != nil {
		testContext.Fatalf("load user: %v", err)
	}
	return user.Balance
}

func TestCheckinCreditsOncePerDay(testContext *testing.T) {
	fixed := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, func() time.Time { return fixed })
	seedUser(testContext, db, "user-1")
	ctx := context.Background()

	record, err := service.Checkin(ctx, "user-1")
	if err != nil {
		testContext.Fatalf("first checkin: %v", err)
	}
	if record.Day != "2026-06-01" || record.Amount != 50 {
		testContext.Fatalf("unexpected record: %+v", record)
	}

	if _, err := service.Checkin(ctx, "user-1"); !errors.Is(err, ErrAlreadyClaimed) {
		testContext.Fatalf("expected already claimed, got %v", err)
	}

	if balance := loadBalance(testContext, db, "user-1"); balance != 50 {
		testContext.Fatalf("expected exactly one credit of 50, balance is %d", balance)
	}
}

func TestCheckinConcurrentClaimsCreditOnce(testContext *testing.T) {
	fixed := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, func() time.Time { return fixed })
	seedUser(testContext, db, "user-1")
	ctx := context.Background()

	// Double submission races on the (user, day) insert; exactly one claim
	// wins regardless of interleaving.
	const claimers = 4
	errs := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Checkin(ctx, "user-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var granted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrAlreadyClaimed):
			rejected++
		default:
			testContext.Fatalf("unexpected checkin error: %v", err)
		}
	}
	if granted != 1 || rejected != claimers-1 {
		testContext.Fatalf("expected one winner, got %d granted / %d rejected", granted, rejected)
	}
	if balance := loadBalance(testContext, db, "user-1"); balance != 50 {
		testContext.Fatalf("expected a single credit of 50, balance is %d", balance)
	}
}

func TestCheckinResetsNextDay(testContext *testing.T) {
	current := time.Date(2026, time.June, 1, 23, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, func() time.Time { return current })
	seedUser(testContext, db, "user-1")
	ctx := context.Background()

	if _, err := service.Checkin(ctx, "user-1"); err != nil {
		testContext.Fatalf("day one: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := service.Checkin(ctx, "user-1"); err != nil {
		testContext.Fatalf("day two: %v", err)
	}

	if balance := loadBalance(testContext, db, "user-1"); balance != 100 {
		testContext.Fatalf("expected two daily credits, balance is %d", balance)
	}
}

func TestCheckinUnknownUserCreditsNothing(testContext *testing.T) {
	fixed := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, func() time.Time { return fixed })
	ctx := context.Background()

	if _, err := service.Checkin(ctx, "ghost"); err == nil {
		testContext.Fatal("expected failure for unknown user")
	}

	// The failed credit rolls back the claim: the day stays claimable.
	var count int64
	if err := db.Model(&Checkin{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected claim rolled back, found %d records", count)
	}
}

func TestCheckedInReflectsClaimsWithoutSideEffects(testContext *testing.T) {
	fixed := time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)
	service, db := newTestService(testContext, func() time.Time { return fixed })
	seedUser(testContext, db, "user-1")
	ctx := context.Background()

	checkedIn, err := service.CheckedIn(ctx, "user-1")
	if err != nil {
		testContext.Fatalf("checked in: %v", err)
	}
	if checkedIn {
		testContext.Fatal("expected no claim yet")
	}

	if _, err := service.Checkin(ctx, "user-1"); err != nil {
		testContext.Fatalf("checkin: %v", err)
	}

	checkedIn, err = service.CheckedIn(ctx, "user-1")
	if err != nil {
		testContext.Fatalf("checked in after claim: %v", err)
	}
	if !checkedIn {
		testContext.Fatal("expected claim visible")
	}
	if balance := loadBalance(testContext, db, "user-1"); balance != 50 {
		testContext.Fatalf("expected read to credit nothing, balance is %d", balance)
	}
}
