package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "relay:"

// RedisBus routes envelopes through Redis pub/sub so ceremonies can
// span service instances.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+env.SessionID, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+sessionID)

	// Force the SUBSCRIBE round trip so publishes after this call
	// are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to relay channel: %w", err)
	}

	out := make(chan Envelope, mailboxSize)
	pumpCtx, cancelPump := context.WithCancel(ctx)

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("discarding malformed relay envelope",
						"sessionId", sessionID, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		cancelPump()
		pubsub.Close()
	}
	return out, cancel, nil
}
