package challenge

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes which ceremony a challenge was issued for. A
// registration challenge can never complete an authentication ceremony
// and vice versa.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// DefaultTTL bounds how long an issued challenge stays consumable.
const DefaultTTL = 2 * time.Minute

// ErrNotFound is returned by Consume for an unknown, expired, or
// already-consumed challenge id. Callers surface it as "invalid or
// expired challenge" and restart the ceremony from options generation;
// the id is never retried.
var ErrNotFound = errors.New("challenge not found")

// Record is a single issued challenge. Value is the base64url challenge
// embedded in the ceremony options; Context carries opaque caller data
// (user handle, email, verification requirement) needed at verify time.
type Record struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Value     string            `json:"value"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store issues and consumes one-time challenges. Consume is atomic
// retrieve-and-delete: two concurrent Consume calls for the same id must
// not both succeed. There is no read path that leaves a challenge valid.
type Store interface {
	// Issue persists a new challenge with the store's TTL and returns an
	// opaque handle. The raw challenge value is never used as the handle.
	Issue(ctx context.Context, kind Kind, value string, contextData map[string]string) (string, error)

	// Consume atomically retrieves and deletes a challenge. A second call
	// for the same id returns ErrNotFound, as does a call for an expired
	// challenge.
	Consume(ctx context.Context, id string) (*Record, error)

	// Sweep removes expired-but-unconsumed entries and reports how many
	// were removed.
	Sweep(ctx context.Context) (int, error)
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func StartSweeper(ctx context.Context, s Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
