// Package events fans out state-change notifications to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies what changed.
type Type string

const (
	TypeSession           Type = "session"
	TypeDocuments         Type = "documents"
	TypeUploading         Type = "uploading"
	TypeTurn              Type = "turn"
	TypePending           Type = "pending"
	TypeConversationReset Type = "conversation.reset"
)

// Event is one discrete completion or state change.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(typ Type, payload any)
}

type discard struct{}

func (discard) Publish(Type, any) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Bus delivers events to every live subscription. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	log  *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs: make(map[string]*Subscription),
		log:  log,
	}
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(typ Type, payload any) {
	evt := Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("subscriber buffer full, dropping event",
				zap.String("subscriber", id), zap.String("type", string(typ)))
		}
	}
}

// Subscribe registers a subscription with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		ID:  uuid.NewString(),
		ch:  make(chan Event, buffer),
		bus: b,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Subscribers reports how many subscriptions are live.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.ch)
	}
}

// Subscription receives events until closed.
type Subscription struct {
	ID  string
	ch  chan Event
	bus *Bus
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}
