package chats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%04d", s.next), nil
}

type recordedJob struct {
	Kind    string
	Payload interface{}
	Delay   time.Duration
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []recordedJob
}

func (f *fakeEnqueuer) Enqueue(kind string, payload interface{}, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, recordedJob{Kind: kind, Payload: payload, Delay: delay})
}

func (f *fakeEnqueuer) recorded() []recordedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedJob(nil), f.jobs...)
}

// staticPersonas resolves every request to a fixed persona id, standing in
// for the users service.
type staticPersonas struct {
	resolved string
}

func (s *staticPersonas) ResolvePersona(ctx context.Context, userID, personaID string) (string, error) {
	if personaID != "" {
		return personaID, nil
	}
	return s.resolved, nil
}

func advancingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestService(testContext *testing.T) (*Service, *fakeEnqueuer) {
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
	if err := db.AutoMigrate(&Chat{}, &Message{}, &FollowUp{}); err != nil {
		testContext.Fatalf("migrate: %v", err)
	}

	enqueuer := &fakeEnqueuer{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      advancingClock(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)),
		IDProvider: &sequentialIDs{},
		Jobs:       enqueuer,
		Personas:   &staticPersonas{resolved: "persona-primary"},
	})
	if err != nil {
		testContext.Fatalf("build service: %v", err)
	}
	return service, enqueuer
}

func mustCreateChat(testContext *testing.T, service *Service, userID string) Chat {
	testContext.Helper()
	chat, err := service.Create(context.Background(), userID, "char-1", "First contact")
	if err != nil {
		testContext.Fatalf("create chat: %v", err)
	}
	return chat
}

func TestGetEnforcesOwnership(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	if _, err := service.Get(context.Background(), "user-1", chat.ChatID); err != nil {
		testContext.Fatalf("owner get: %v", err)
	}
	if _, err := service.Get(context.Background(), "user-2", chat.ChatID); !errors.Is(err, ErrPermissionDenied) {
		testContext.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := service.Get(context.Background(), "user-1", "missing"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendMessageBumpsChatRecency(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	message, err := service.AppendMessage(context.Background(), chat.ChatID, RoleUser, "Hello there", "persona-1")
	if err != nil {
		testContext.Fatalf("append: %v", err)
	}
	if message.Role != RoleUser || message.PersonaID != "persona-1" {
		testContext.Fatalf("unexpected message: %+v", message)
	}

	reloaded, err := service.Lookup(context.Background(), chat.ChatID)
	if err != nil {
		testContext.Fatalf("lookup: %v", err)
	}
	if !reloaded.UpdatedAt.After(chat.UpdatedAt) {
		testContext.Fatal("expected chat updated_at to advance")
	}
}

func TestLatestMessageReturnsNewest(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.AppendMessage(ctx, chat.ChatID, RoleUser, fmt.Sprintf("message %d", i), ""); err != nil {
			testContext.Fatalf("append %d: %v", i, err)
		}
	}

	latest, err := service.LatestMessage(ctx, chat.ChatID)
	if err != nil {
		testContext.Fatalf("latest: %v", err)
	}
	if latest.Text != "message 2" {
		testContext.Fatalf("expected newest message, got %q", latest.Text)
	}
}

func TestLatestMessageEmptyChatReturnsNotFound(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	if _, err := service.LatestMessage(context.Background(), chat.ChatID); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestRecentMessagesChronologicalWindow(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := service.AppendMessage(ctx, chat.ChatID, RoleUser, fmt.Sprintf("message %d", i), ""); err != nil {
			testContext.Fatalf("append %d: %v", i, err)
		}
	}

	recent, err := service.RecentMessages(ctx, chat.ChatID, 3)
	if err != nil {
		testContext.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		testContext.Fatalf("expected window of 3, got %d", len(recent))
	}
	if recent[0].Text != "message 2" || recent[2].Text != "message 4" {
		testContext.Fatalf("expected chronological tail, got %+v", recent)
	}
}

func TestRequestFollowUpsResolvesPersonaAndEnqueues(testContext *testing.T) {
	service, enqueuer := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	err := service.RequestFollowUps(context.Background(), "user-1", chat.ChatID, "char-1", "")
	if err != nil {
		testContext.Fatalf("request follow-ups: %v", err)
	}

	jobs := enqueuer.recorded()
	if len(jobs) != 1 || jobs[0].Kind != JobGenerateFollowUps {
		testContext.Fatalf("expected follow-up job, got %+v", jobs)
	}
	payload, ok := jobs[0].Payload.(FollowUpJobPayload)
	if !ok || payload.ChatID != chat.ChatID || payload.PersonaID != "persona-primary" {
		testContext.Fatalf("unexpected payload: %+v", jobs[0].Payload)
	}
}

func TestRequestFollowUpsRejectsForeignChat(testContext *testing.T) {
	service, enqueuer := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	err := service.RequestFollowUps(context.Background(), "user-2", chat.ChatID, "char-1", "")
	if !errors.Is(err, ErrPermissionDenied) {
		testContext.Fatalf("expected permission denied, got %v", err)
	}
	if len(enqueuer.recorded()) != 0 {
		testContext.Fatal("expected no job for a denied request")
	}
}

func TestAutopilotEnqueuesReverseRoleTurn(testContext *testing.T) {
	service, enqueuer := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	err := service.Autopilot(context.Background(), "user-1", chat.ChatID, "char-1", "persona-x")
	if err != nil {
		testContext.Fatalf("autopilot: %v", err)
	}

	jobs := enqueuer.recorded()
	if len(jobs) != 1 || jobs[0].Kind != JobAnswer {
		testContext.Fatalf("expected answer job, got %+v", jobs)
	}
	payload, ok := jobs[0].Payload.(AnswerJobPayload)
	if !ok || !payload.ReverseRole || payload.PersonaID != "persona-x" {
		testContext.Fatalf("expected reverse-role payload, got %+v", jobs[0].Payload)
	}
}

func TestInsertFollowUpsMarksPriorSetsStale(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")
	ctx := context.Background()

	first, err := service.InsertFollowUps(ctx, chat.ChatID, []string{"one", "two", "three"})
	if err != nil {
		testContext.Fatalf("insert first: %v", err)
	}
	second, err := service.InsertFollowUps(ctx, chat.ChatID, []string{"fresh"})
	if err != nil {
		testContext.Fatalf("insert second: %v", err)
	}

	latest, err := service.LatestFollowUp(ctx, "user-1", chat.ChatID)
	if err != nil {
		testContext.Fatalf("latest: %v", err)
	}
	if latest.FollowUpID != second.FollowUpID {
		testContext.Fatalf("expected newest set, got %s", latest.FollowUpID)
	}
	if latest.FollowUp1 != "fresh" || latest.FollowUp2 != "" {
		testContext.Fatalf("unexpected suggestions: %+v", latest)
	}

	var stale FollowUp
	if err := service.db.Where("follow_up_id = ?", first.FollowUpID).Take(&stale).Error; err != nil {
		testContext.Fatalf("reload first: %v", err)
	}
	if !stale.IsStale {
		testContext.Fatal("expected first set marked stale")
	}
}

func TestMarkFollowUpsStaleRetiresLiveSets(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")
	ctx := context.Background()

	if _, err := service.InsertFollowUps(ctx, chat.ChatID, []string{"before the answer"}); err != nil {
		testContext.Fatalf("insert: %v", err)
	}

	if err := service.MarkFollowUpsStale(ctx, chat.ChatID); err != nil {
		testContext.Fatalf("mark stale: %v", err)
	}

	if _, err := service.LatestFollowUp(ctx, "user-1", chat.ChatID); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected no live set after retire, got %v", err)
	}

	// Retiring an already-empty chat is a no-op, not an error.
	if err := service.MarkFollowUpsStale(ctx, chat.ChatID); err != nil {
		testContext.Fatalf("second mark stale: %v", err)
	}
}

func TestLatestFollowUpWithoutAnySetReturnsNotFound(testContext *testing.T) {
	service, _ := newTestService(testContext)
	chat := mustCreateChat(testContext, service, "user-1")

	if _, err := service.LatestFollowUp(context.Background(), "user-1", chat.ChatID); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}
