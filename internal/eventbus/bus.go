// Package eventbus fans out emitted events to in-process subscribers
// and, optionally, to a NATS JetStream subject for external observers
// — the same shape as bd's internal/eventbus, pared down to the
// coordinator's needs. Dispatch runs handlers synchronously on the
// caller's goroutine, and the claim components call it from emit while
// still holding the issue's lock, so a slow handler delays the
// mutating call that emitted the event.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// Handler receives dispatched events. Implementations must not block
// the publisher for longer than a bounded interval (spec §4.7); slow
// handlers should hand work off to their own goroutine.
type Handler interface {
	ID() string
	Handles() []claimtypes.EventType
	Priority() int
	Handle(ctx context.Context, ev claimtypes.Event) error
}

// Bus dispatches events to registered handlers in priority order and,
// if configured, publishes them to JetStream for persistence.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	js       nats.JetStreamContext
}

// New creates an empty Bus with no JetStream attached.
func New() *Bus {
	return &Bus{}
}

// SetJetStream attaches a JetStream context. Publishing is
// fire-and-forget and best-effort: a nil js (the default) disables it
// entirely, which is what every conformance test runs with.
func (b *Bus) SetJetStream(js nats.JetStreamContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.js = js
}

// Register adds a handler. Handlers are sorted by priority on every
// Dispatch, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by id. Returns true if one was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch delivers ev to every handler that handles its type, in
// priority order (lowest first), then publishes to JetStream if
// configured. Handler errors are logged, not propagated — per-aggregate
// delivery order matches emission order because each aggregate's
// events are only ever dispatched by the single writer that produced
// them (spec §4.7); no ordering is promised across aggregates.
func (b *Bus) Dispatch(ctx context.Context, ev claimtypes.Event) {
	b.mu.RLock()
	matching := b.matchingHandlers(ev.Type)
	js := b.js
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := h.Handle(ctx, ev); err != nil {
			log.Printf("eventbus: handler %q error for %s: %v", h.ID(), ev.Type, err)
		}
	}

	if js != nil {
		b.publishToJetStream(js, ev)
	}
}

func (b *Bus) publishToJetStream(js nats.JetStreamContext, ev claimtypes.Event) {
	subject := fmt.Sprintf("claims.%s.%s", ev.AggregateID, ev.Type)
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("eventbus: marshal event for JetStream: %v", err)
		return
	}
	if _, err := js.Publish(subject, data); err != nil {
		log.Printf("eventbus: JetStream publish to %s failed: %v", subject, err)
	}
}

func (b *Bus) matchingHandlers(t claimtypes.EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, handled := range h.Handles() {
			if handled == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Priority() < matched[j].Priority() })
	return matched
}
