package relay

import (
	"context"
	"log/slog"
	"sync"
)

// mailboxSize bounds the per-subscriber buffer. A ceremony exchanges a
// handful of envelopes, so a full mailbox means a stuck consumer and
// the overflow envelope is dropped rather than blocking publishers.
const mailboxSize = 16

// Bus delivers envelopes to subscribers of the same session id.
// Delivery is at-least-once within the life of the subscription;
// envelopes published with no subscriber are dropped.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error

	// Subscribe opens a mailbox for one session's envelopes. The
	// returned cancel func closes the mailbox and must be called.
	Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error)
}

// MemoryBus is the in-process Bus used in single-instance deployments
// and tests.
type MemoryBus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan Envelope
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger: logger,
		subs:   make(map[string][]chan Envelope),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	targets := make([]chan Envelope, len(b.subs[env.SessionID]))
	copy(targets, b.subs[env.SessionID])
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- env:
		default:
			b.logger.Warn("relay mailbox full, dropping envelope",
				"sessionId", env.SessionID,
				"type", env.Type)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, mailboxSize)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[sessionID]
			for i, sub := range subs {
				if sub == ch {
					b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}
