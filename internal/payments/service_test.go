package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/miragelabs/mirage/backend/internal/users"
)

const testSecret = "payments-test-secret"

func newTestService(testContext *testing.T) (*Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&PaymentEvent{}, &users.User{}); err != nil {
		testContext.Fatalf("migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{Database: db, WebhookSecret: []byte(testSecret)})
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

func TestFulfillCreditsPurchase(testContext *testing.T) {
	service, db := newTestService(testContext)
	seedUser(testContext, db, "user-1")

	payload := []byte(`{"id":"evt_123","type":"payment.succeeded","data":{"userId":"user-1","amount":500}}`)
	err := service.Fulfill(context.Background(), Sign([]byte(testSecret), payload), payload)
	if err != nil {
		testContext.Fatalf("fulfill: %v", err)
	}

	if balance := loadBalance(testContext, db, "user-1"); balance != 500 {
		testContext.Fatalf("expected credit of 500, balance is %d", balance)
	}
}

func TestFulfillReplayCreditsOnlyOnce(testContext *testing.T) {
	service, db := newTestService(testContext)
	seedUser(testContext, db, "user-1")

	payload := []byte(`{"id":"evt_123","type":"payment.succeeded","data":{"userId":"user-1","amount":500}}`)
	signature := Sign([]byte(testSecret), payload)

	for attempt := 0; attempt < 3; attempt++ {
		if err := service.Fulfill(context.Background(), signature, payload); err != nil {
			testContext.Fatalf("attempt %d: %v", attempt, err)
		}
	}

	if balance := loadBalance(testContext, db, "user-1"); balance != 500 {
		testContext.Fatalf("expected a single credit, balance is %d", balance)
	}
}

func TestFulfillRejectsBadSignature(testContext *testing.T) {
	service, db := newTestService(testContext)
	seedUser(testContext, db, "user-1")

	payload := []byte(`{"id":"evt_9","type":"payment.succeeded","data":{"userId":"user-1","amount":500}}`)

	cases := []struct {
		name      string
		signature string
	}{
		{name: "missing", signature: ""},
		{name: "not hex", signature: "zzzz"},
		{name: "wrong key", signature: Sign([]byte("other-secret"), payload)},
		{name: "tampered payload", signature: Sign([]byte(testSecret), []byte(`{"id":"evt_9"}`))},
	}
	for _, testCase := range cases {
		if err := service.Fulfill(context.Background(), testCase.signature, payload); !errors.Is(err, ErrInvalidSignature) {
			testContext.Fatalf("%s: expected invalid signature, got %v", testCase.name, err)
		}
	}

	if balance := loadBalance(testContext, db, "user-1"); balance != 0 {
		testContext.Fatalf("expected no credit on rejected signatures, balance is %d", balance)
	}
}

func TestFulfillRejectsMalformedEvents(testContext *testing.T) {
	service, _ := newTestService(testContext)

	cases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `payment ok`},
		{name: "missing id", payload: `{"type":"payment.succeeded","data":{"userId":"user-1","amount":500}}`},
		{name: "missing user", payload: `{"id":"evt_1","type":"payment.succeeded","data":{"amount":500}}`},
		{name: "non-positive amount", payload: `{"id":"evt_1","type":"payment.succeeded","data":{"userId":"user-1","amount":0}}`},
	}
	for _, testCase := range cases {
		raw := []byte(testCase.payload)
		err := service.Fulfill(context.Background(), Sign([]byte(testSecret), raw), raw)
		if !errors.Is(err, ErrMalformedEvent) {
			testContext.Fatalf("%s: expected malformed event, got %v", testCase.name, err)
		}
	}
}

func TestFulfillUnknownUserRollsBack(testContext *testing.T) {
	service, db := newTestService(testContext)

	payload := []byte(`{"id":"evt_777","type":"payment.succeeded","data":{"userId":"ghost","amount":500}}`)
	if err := service.Fulfill(context.Background(), Sign([]byte(testSecret), payload), payload); err == nil {
		testContext.Fatal("expected failure for unknown user")
	}

	// The event record must roll back with the credit so a later retry can
	// succeed once the user exists.
	var count int64
	if err := db.Model(&PaymentEvent{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected event rolled back, found %d records", count)
	}

	seedUser(testContext, db, "ghost")
	if err := service.Fulfill(context.Background(), Sign([]byte(testSecret), payload), payload); err != nil {
		testContext.Fatalf("retry after provisioning: %v", err)
	}
	if balance := loadBalance(testContext, db, "ghost"); balance != 500 {
		testContext.Fatalf("expected retry to credit, balance is %d", balance)
	}
}
