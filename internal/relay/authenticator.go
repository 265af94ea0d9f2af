package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/mmcm77/passkeys-sub000/internal/ceremony"
)

// ErrClientGone reports that the client frame closed its side of the
// relay before producing a credential.
var ErrClientGone = errors.New("relay client disconnected")

// Authenticator drives a WebAuthn ceremony through a remote client
// frame: options flow out over the bus, the signed credential flows
// back. It satisfies the orchestrator's authenticator contract.
type Authenticator struct {
	bus       Bus
	sessionID string
	logger    *slog.Logger
}

func NewAuthenticator(bus Bus, sessionID string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{bus: bus, sessionID: sessionID, logger: logger}
}

func (a *Authenticator) Create(ctx context.Context, options *protocol.CredentialCreation) (json.RawMessage, error) {
	return a.exchange(ctx, "create", options)
}

func (a *Authenticator) Get(ctx context.Context, options *protocol.CredentialAssertion) (json.RawMessage, error) {
	return a.exchange(ctx, "get", options)
}

type initPayload struct {
	Action  string `json:"action"`
	Options any    `json:"options"`
}

func (a *Authenticator) exchange(ctx context.Context, action string, options any) (json.RawMessage, error) {
	inbox, cancel, err := a.bus.Subscribe(ctx, a.sessionID)
	if err != nil {
		return nil, fmt.Errorf("open relay subscription: %w", err)
	}
	defer cancel()

	payload, err := json.Marshal(initPayload{Action: action, Options: options})
	if err != nil {
		return nil, fmt.Errorf("marshal ceremony options: %w", err)
	}
	if err := a.bus.Publish(ctx, Envelope{
		Type:      KindInit,
		SessionID: a.sessionID,
		Payload:   payload,
	}); err != nil {
		return nil, fmt.Errorf("send ceremony init: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return nil, ErrClientGone
			}
			switch env.Type {
			case KindReady, KindInit:
				// Our own init echoes back on a shared bus;
				// ready just means the frame loaded.
				continue
			case KindResponse:
				return env.Payload, nil
			case KindError:
				var pe ceremony.PlatformError
				if err := json.Unmarshal(env.Payload, &pe); err != nil || pe.Name == "" {
					return nil, fmt.Errorf("client reported error: %s", env.Payload)
				}
				return nil, &pe
			case KindCancel:
				return nil, &ceremony.PlatformError{Name: "NotAllowedError", Message: "user cancelled"}
			case KindClose:
				return nil, ErrClientGone
			default:
				a.logger.Warn("ignoring unexpected relay envelope",
					"sessionId", a.sessionID, "type", env.Type)
			}
		}
	}
}
