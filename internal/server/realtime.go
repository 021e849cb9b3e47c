package server

import (
	"context"
	"sync"

	"github.com/miragelabs/mirage/backend/internal/characters"
)

// ChangeBus fans out change notifications emitted by the mutation gateways.
// Character changes go to every character subscriber (the live query layer);
// chat changes are scoped to subscribers of that chat id. Delivery is
// best-effort: a slow subscriber misses intermediate events, never blocks a
// writer.
type ChangeBus struct {
	mu         sync.RWMutex
	nextID     int64
	bufferSize int

	characterSubs map[int64]chan characters.Character
	chatSubs      map[string]map[int64]chan string
}

// NewChangeBus constructs an empty bus.
func NewChangeBus() *ChangeBus {
	return &ChangeBus{
		bufferSize:    16,
		characterSubs: make(map[int64]chan characters.Character),
		chatSubs:      make(map[string]map[int64]chan string),
	}
}

// PublishCharacterChange delivers the post-patch snapshot to all character
// subscribers without blocking.
func (b *ChangeBus) PublishCharacterChange(character characters.Character) {
	b.mu.RLock()
	streams := make([]chan characters.Character, 0, len(b.characterSubs))
	for _, stream := range b.characterSubs {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- character:
		default:
		}
	}
}

// PublishChatChange notifies subscribers of the chat that its transcript or
// follow-ups changed.
func (b *ChangeBus) PublishChatChange(chatID string) {
	if chatID == "" {
		return
	}
	b.mu.RLock()
	byID := b.chatSubs[chatID]
	streams := make([]chan string, 0, len(byID))
	for _, stream := range byID {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- chatID:
		default:
		}
	}
}

// SubscribeCharacters registers for every character change until ctx ends.
func (b *ChangeBus) SubscribeCharacters(ctx context.Context) (<-chan characters.Character, func()) {
	stream := make(chan characters.Character, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.characterSubs[id] = stream
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.characterSubs, id)
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// SubscribeChat registers for changes of one chat until ctx ends.
func (b *ChangeBus) SubscribeChat(ctx context.Context, chatID string) (<-chan string, func()) {
	if chatID == "" {
		closed := make(chan string)
		close(closed)
		return closed, func() {}
	}
	stream := make(chan string, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if _, ok := b.chatSubs[chatID]; !ok {
		b.chatSubs[chatID] = make(map[int64]chan string)
	}
	b.chatSubs[chatID][id] = stream
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		byID := b.chatSubs[chatID]
		if byID != nil {
			delete(byID, id)
			if len(byID) == 0 {
				delete(b.chatSubs, chatID)
			}
		}
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}
