package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/miragelabs/mirage/backend/internal/characters"
)

// ListEvaluator re-runs a listing query; satisfied by the character service.
type ListEvaluator interface {
	List(ctx context.Context, request characters.ListRequest) (characters.Page, error)
}

// listSubscription is one standing listing query. lastIDs remembers the ids
// of the last delivered page so a change that drops an entity out of the
// result set still triggers re-evaluation.
type listSubscription struct {
	request characters.ListRequest
	stream  chan characters.Page
	lastIDs map[string]struct{}
}

// LiveQueryRegistry keeps standing listing queries fresh. It re-evaluates a
// subscription only when the changed character matches its filter or was
// part of its last result, never on every write.
type LiveQueryRegistry struct {
	evaluator ListEvaluator
	bus       *ChangeBus
	logger    *zap.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*listSubscription
}

// NewLiveQueryRegistry constructs the registry.
func NewLiveQueryRegistry(evaluator ListEvaluator, bus *ChangeBus, logger *zap.Logger) *LiveQueryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveQueryRegistry{
		evaluator: evaluator,
		bus:       bus,
		logger:    logger,
		subs:      make(map[int64]*listSubscription),
	}
}

// Start consumes character change events until ctx ends. Run it once, in its
// own goroutine or an errgroup.
func (r *LiveQueryRegistry) Start(ctx context.Context) error {
	events, cancel := r.bus.SubscribeCharacters(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case changed, ok := <-events:
			if !ok {
				return nil
			}
			r.refreshAffected(ctx, changed)
		}
	}
}

// SubscribeList registers a standing listing query. The current first page
// is delivered immediately; fresh pages follow whenever an affecting change
// commits. The cleanup func must be called when the caller is done.
func (r *LiveQueryRegistry) SubscribeList(ctx context.Context, request characters.ListRequest) (<-chan characters.Page, func(), error) {
	// Live subscriptions always watch the first page.
	request.Cursor = ""

	page, err := r.evaluator.List(ctx, request)
	if err != nil {
		return nil, nil, err
	}

	subscription := &listSubscription{
		request: request,
		stream:  make(chan characters.Page, 4),
		lastIDs: pageIDs(page),
	}
	subscription.stream <- page

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = subscription
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscription.stream, cleanup, nil
}

func (r *LiveQueryRegistry) refreshAffected(ctx context.Context, changed characters.Character) {
	r.mu.Lock()
	affected := make([]*listSubscription, 0, len(r.subs))
	for _, subscription := range r.subs {
		_, wasListed := subscription.lastIDs[changed.CharacterID]
		if wasListed || subscription.request.Matches(changed) {
			affected = append(affected, subscription)
		}
	}
	r.mu.Unlock()

	for _, subscription := range affected {
		page, err := r.evaluator.List(ctx, subscription.request)
		if err != nil {
			r.logger.Error("live query re-evaluation failed", zap.Error(err))
			continue
		}
		r.mu.Lock()
		subscription.lastIDs = pageIDs(page)
		r.mu.Unlock()
		select {
		case subscription.stream <- page:
		default:
			// Subscriber is behind; it will catch up on the next change.
		}
	}
}

func pageIDs(page characters.Page) map[string]struct{} {
	ids := make(map[string]struct{}, len(page.Items))
	for _, item := range page.Items {
		ids[item.CharacterID] = struct{}{}
	}
	return ids
}
