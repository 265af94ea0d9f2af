package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

// Authenticator is the credential API a ceremony runs against: the
// browser bridge for relayed ceremonies, or a fake in tests. Create and
// Get block until user interaction completes or ctx expires.
type Authenticator interface {
	Create(ctx context.Context, options *protocol.CredentialCreation) (json.RawMessage, error)
	Get(ctx context.Context, options *protocol.CredentialAssertion) (json.RawMessage, error)
}

// Result is a completed ceremony: the normalized response plus the
// challenge id the verifier needs to consume.
type Result struct {
	ChallengeID string
	Response    json.RawMessage
}

// Orchestrator runs one ceremony for one logical login attempt. It is
// single-use: a second Start while one is in flight is rejected as
// concurrent, and a finished orchestrator stays in its terminal state.
type Orchestrator struct {
	authenticator Authenticator
	logger        *slog.Logger

	mu    sync.Mutex
	state State
}

func NewOrchestrator(authenticator Authenticator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		authenticator: authenticator,
		logger:        logger,
		state:         StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Register runs a registration ceremony. The challenge embedded in the
// options must already be persisted; challengeID is carried through to
// the result untouched.
func (o *Orchestrator) Register(ctx context.Context, challengeID string, creation *protocol.CredentialCreation) (*Result, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}

	ctx, cancel := withCeremonyTimeout(ctx, creation.Response.Timeout)
	defer cancel()

	// The authenticator call must follow the gesture transition with no
	// intervening I/O; anything awaited here breaks Safari's
	// user-activation requirement on the client side.
	o.transition(StateInProgress)
	raw, err := o.authenticator.Create(ctx, creation)
	if err != nil {
		return nil, o.fail(err)
	}

	normalized, err := NormalizeAttestation(raw)
	if err != nil {
		return nil, o.fail(err)
	}

	o.transition(StateCeremonySucceeded)
	return &Result{ChallengeID: challengeID, Response: normalized}, nil
}

// Authenticate runs an authentication ceremony.
func (o *Orchestrator) Authenticate(ctx context.Context, challengeID string, assertion *protocol.CredentialAssertion) (*Result, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}

	ctx, cancel := withCeremonyTimeout(ctx, assertion.Response.Timeout)
	defer cancel()

	o.transition(StateInProgress)
	raw, err := o.authenticator.Get(ctx, assertion)
	if err != nil {
		return nil, o.fail(err)
	}

	normalized, err := NormalizeAssertion(raw)
	if err != nil {
		return nil, o.fail(err)
	}

	o.transition(StateCeremonySucceeded)
	return &Result{ChallengeID: challengeID, Response: normalized}, nil
}

// begin moves idle → options-ready → awaiting-user-gesture, rejecting
// any second ceremony on the same orchestrator.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.state.Terminal():
		return &Error{Class: ClassInternal, Err: errors.New("ceremony already completed")}
	case o.state != StateIdle:
		return &Error{Class: ClassConcurrent, Err: errors.New("ceremony already in flight")}
	}

	o.setState(StateOptionsReady)
	o.setState(StateAwaitingGesture)
	return nil
}

// fail records the terminal state for a classified failure and returns
// the classified error. Cancellation gets its own terminal state since
// it is a normal outcome, not an error.
func (o *Orchestrator) fail(err error) error {
	class := classify(err)
	if class == ClassCancelled {
		o.transition(StateCeremonyCancelled)
	} else {
		o.transition(StateCeremonyFailed)
	}
	return &Error{Class: class, Err: err}
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setState(to)
}

// setState assumes o.mu is held.
func (o *Orchestrator) setState(to State) {
	o.logger.Debug("ceremony state change", "from", o.state, "to", to)
	o.state = to
}

func withCeremonyTimeout(ctx context.Context, timeoutMillis int) (context.Context, context.CancelFunc) {
	if timeoutMillis <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
}
