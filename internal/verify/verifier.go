// Package verify completes WebAuthn ceremonies. The verifier consumes
// the one-time challenge before any cryptographic checks run, so a
// response that fails verification still burns its challenge and the
// ceremony has to restart from options generation.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/mmcm77/passkeys-sub000/internal/challenge"
	"github.com/mmcm77/passkeys-sub000/internal/models"
)

var (
	// ErrChallengeInvalid covers unknown, expired, and already-consumed
	// challenges. The caller cannot tell these apart and must not be able
	// to.
	ErrChallengeInvalid = errors.New("invalid or expired challenge")

	// ErrKindMismatch is returned when a registration challenge is
	// presented to the authentication verifier or vice versa.
	ErrKindMismatch = errors.New("challenge issued for a different ceremony")

	// ErrCloneSuspected is returned when the asserted signature counter
	// did not advance past the stored one. The assertion is rejected even
	// though the signature itself verified.
	ErrCloneSuspected = errors.New("signature counter did not advance, possible cloned authenticator")

	// ErrUnknownCredential is returned when a discoverable assertion
	// references a credential this service has no record of.
	ErrUnknownCredential = errors.New("unknown credential")
)

const sessionContextKey = "session"

// UserSource resolves users and credentials during verification. It is
// the read-only slice of the storage layer the verifier needs.
type UserSource interface {
	GetUserByID(ctx context.Context, id []byte) (*models.User, error)
	GetCredentialsByUserID(ctx context.Context, userID []byte) ([]*models.Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error)
}

// Verifier validates attestation and assertion responses against
// consumed challenges.
type Verifier struct {
	webAuthn   *webauthn.WebAuthn
	challenges challenge.Store
	users      UserSource
}

func NewVerifier(wa *webauthn.WebAuthn, challenges challenge.Store, users UserSource) *Verifier {
	return &Verifier{
		webAuthn:   wa,
		challenges: challenges,
		users:      users,
	}
}

// StashSession stores ceremony session data behind a one-time challenge
// id. The extra map rides along and comes back on the consumed record;
// the session itself is serialized under a reserved key.
func (v *Verifier) StashSession(ctx context.Context, kind challenge.Kind, session *webauthn.SessionData, extra map[string]string) (string, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	contextData := map[string]string{sessionContextKey: string(raw)}
	for k, val := range extra {
		if k == sessionContextKey {
			continue
		}
		contextData[k] = val
	}

	id, err := v.challenges.Issue(ctx, kind, session.Challenge, contextData)
	if err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}
	return id, nil
}

// VerifyRegistration consumes the challenge and validates an attestation
// response. On success it returns the new credential record, not yet
// persisted, along with the consumed challenge record so the caller can
// read back its context.
func (v *Verifier) VerifyRegistration(ctx context.Context, challengeID string, response *protocol.ParsedCredentialCreationData) (*models.Credential, *challenge.Record, error) {
	rec, session, err := v.consume(ctx, challengeID, challenge.KindRegistration)
	if err != nil {
		return nil, nil, err
	}

	user, err := v.loadUser(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}

	wc, err := v.webAuthn.CreateCredential(user, *session, response)
	if err != nil {
		return nil, nil, fmt.Errorf("verify attestation: %w", err)
	}

	cred := models.FromWebAuthnCredential(uuid.NewString(), user.User.ID, wc)
	return cred, rec, nil
}

// VerifyAuthentication consumes the challenge and validates an assertion
// response. A session with no user handle is treated as a discoverable
// ceremony and the user is resolved from the asserted credential. The
// returned credential carries the asserted signature counter; persisting
// it is the caller's job.
func (v *Verifier) VerifyAuthentication(ctx context.Context, challengeID string, response *protocol.ParsedCredentialAssertionData) (*models.WebAuthnUser, *webauthn.Credential, *challenge.Record, error) {
	rec, session, err := v.consume(ctx, challengeID, challenge.KindAuthentication)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		user *models.WebAuthnUser
		wc   *webauthn.Credential
	)

	if len(session.UserID) == 0 {
		wc, err = v.webAuthn.ValidateDiscoverableLogin(v.discoverableHandler(ctx), *session, response)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("verify assertion: %w", err)
		}

		stored, lookupErr := v.users.GetCredentialByCredentialID(ctx, wc.ID)
		if lookupErr != nil {
			return nil, nil, nil, fmt.Errorf("resolve asserted credential: %w", lookupErr)
		}
		user, err = v.loadUser(ctx, stored.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		user, err = v.loadUser(ctx, session.UserID)
		if err != nil {
			return nil, nil, nil, err
		}

		wc, err = v.webAuthn.ValidateLogin(user, *session, response)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("verify assertion: %w", err)
		}
	}

	if wc.Authenticator.CloneWarning {
		return nil, nil, nil, fmt.Errorf("credential %x: %w", wc.ID, ErrCloneSuspected)
	}

	return user, wc, rec, nil
}

// consume burns the challenge and rehydrates the ceremony session. Kind
// is checked after consumption so a mismatched challenge is still spent.
func (v *Verifier) consume(ctx context.Context, challengeID string, kind challenge.Kind) (*challenge.Record, *webauthn.SessionData, error) {
	rec, err := v.challenges.Consume(ctx, challengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return nil, nil, ErrChallengeInvalid
		}
		return nil, nil, fmt.Errorf("consume challenge: %w", err)
	}

	if rec.Kind != kind {
		return nil, nil, ErrKindMismatch
	}

	raw, ok := rec.Context[sessionContextKey]
	if !ok {
		return nil, nil, fmt.Errorf("challenge %s has no session data", rec.ID)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, &session, nil
}

func (v *Verifier) loadUser(ctx context.Context, userID []byte) (*models.WebAuthnUser, error) {
	user, err := v.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	creds, err := v.users.GetCredentialsByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	return &models.WebAuthnUser{User: user, Credentials: creds}, nil
}

// discoverableHandler adapts the user source to go-webauthn's lookup
// callback for discoverable logins. The user handle comes from the
// authenticator, not from the request.
func (v *Verifier) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		stored, err := v.users.GetCredentialByCredentialID(ctx, rawID)
		if err != nil {
			return nil, fmt.Errorf("%w: %x", ErrUnknownCredential, rawID)
		}

		user, err := v.users.GetUserByID(ctx, stored.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}

		creds, err := v.users.GetCredentialsByUserID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("get credentials: %w", err)
		}

		return &models.WebAuthnUser{User: user, Credentials: creds}, nil
	}
}
