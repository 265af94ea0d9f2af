// Package auth is the service layer behind the HTTP surface. It owns
// the full ceremony round trip: adapt policy to the caller's browser,
// build options, stash the challenge, verify the response, persist the
// outcome, and mint the login session.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/challenge"
	"github.com/mmcm77/passkeys-sub000/internal/device"
	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/options"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
	"github.com/mmcm77/passkeys-sub000/internal/verify"
)

const DefaultSessionTTL = 24 * time.Hour

var (
	// ErrRegistrationNotAllowed is returned when an unauthenticated
	// caller tries to add a passkey to an account that already has one.
	ErrRegistrationNotAllowed = errors.New("account already has passkeys, authenticate first to add another")

	// ErrNoCredentials is returned for an identified login against an
	// account with nothing to assert with.
	ErrNoCredentials = errors.New("no credentials registered for user")

	// ErrLastCredential guards against locking an account out by
	// revoking its only passkey.
	ErrLastCredential = errors.New("cannot revoke the last credential")

	// ErrInvalidSession is returned for unknown or expired sessions.
	ErrInvalidSession = errors.New("invalid or expired session")
)

// Service wires the option builder, verifier, device engine, and
// storage into the registration and authentication flows.
type Service struct {
	builder    *options.Builder
	verifier   *verify.Verifier
	devices    *device.Engine
	store      storage.Store
	sessions   storage.SessionStore
	logger     *slog.Logger
	sessionTTL time.Duration
}

func NewService(builder *options.Builder, verifier *verify.Verifier, devices *device.Engine, store storage.Store, sessions storage.SessionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		builder:    builder,
		verifier:   verifier,
		devices:    devices,
		store:      store,
		sessions:   sessions,
		logger:     logger,
		sessionTTL: DefaultSessionTTL,
	}
}

// RegistrationOptions is the options-generation response for
// registration: the creation options plus the challenge handle the
// client must echo back at verify time.
type RegistrationOptions struct {
	Options     *protocol.CredentialCreation `json:"options"`
	ChallengeID string                       `json:"challengeId"`
}

// AuthenticationOptions is the options-generation response for
// authentication. Mediation is "conditional" when the browser supports
// conditional UI and the flow is discoverable.
type AuthenticationOptions struct {
	Options     *protocol.CredentialAssertion `json:"options"`
	ChallengeID string                        `json:"challengeId"`
	Mediation   string                        `json:"mediation,omitempty"`
}

// Result is a completed ceremony: the authenticated or registered user,
// the minted session, and optionally a rotated device token.
type Result struct {
	User        *models.User       `json:"user"`
	Session     *models.Session    `json:"session"`
	Credential  *models.Credential `json:"credential"`
	DeviceToken string             `json:"deviceToken,omitempty"`
}

// BeginRegistration prepares a registration ceremony for the given
// email, creating the account on first contact. Adding a second passkey
// to an existing account requires an authenticated caller.
func (s *Service) BeginRegistration(ctx context.Context, email, displayName string, caps browser.Capabilities, authenticated bool) (*RegistrationOptions, error) {
	email = models.NormalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		user, err = s.store.CreateUser(ctx, email, displayName)
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("get user: %w", err)
	}

	creds, err := s.store.GetCredentialsByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if len(creds) > 0 && !authenticated {
		return nil, ErrRegistrationNotAllowed
	}

	pol := browser.AdaptRegistrationPolicy(caps, 0)
	creation, session, err := s.builder.BuildRegistrationOptions(&models.WebAuthnUser{User: user, Credentials: creds}, pol)
	if err != nil {
		return nil, fmt.Errorf("build registration options: %w", err)
	}

	challengeID, err := s.verifier.StashSession(ctx, challenge.KindRegistration, session, map[string]string{"email": email})
	if err != nil {
		return nil, err
	}

	s.logger.Info("registration options issued",
		"email", email,
		"browser", caps.BrowserFamily,
		"existingCredentials", len(creds))

	return &RegistrationOptions{Options: creation, ChallengeID: challengeID}, nil
}

// FinishRegistration verifies an attestation response, persists the new
// credential, records the device, and opens a session.
func (s *Service) FinishRegistration(ctx context.Context, challengeID string, response *protocol.ParsedCredentialCreationData, signals device.Signals) (*Result, error) {
	cred, _, err := s.verifier.VerifyRegistration(ctx, challengeID, response)
	if err != nil {
		return nil, err
	}

	if err := s.store.StoreCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	user, err := s.store.GetUserByID(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	deviceToken := s.recordDevice(ctx, user.ID, cred.CredentialID, signals)

	session, err := s.openSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential registered",
		"email", user.Email,
		"credentialId", cred.CredentialIDString(),
		"deviceType", cred.DeviceType())

	return &Result{User: user, Session: session, Credential: cred, DeviceToken: deviceToken}, nil
}

// BeginAuthentication prepares an authentication ceremony. An empty
// email selects the discoverable flow, where identity comes from the
// credential the authenticator picks.
func (s *Service) BeginAuthentication(ctx context.Context, email string, caps browser.Capabilities) (*AuthenticationOptions, error) {
	pol := browser.AdaptAuthenticationPolicy(caps, 0)

	var user *models.WebAuthnUser
	if email != "" {
		stored, err := s.store.GetUserByEmail(ctx, models.NormalizeEmail(email))
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		creds, err := s.store.GetCredentialsByUserID(ctx, stored.ID)
		if err != nil {
			return nil, fmt.Errorf("get credentials: %w", err)
		}
		if len(creds) == 0 {
			return nil, ErrNoCredentials
		}
		user = &models.WebAuthnUser{User: stored, Credentials: creds}
	}

	assertion, session, err := s.builder.BuildAuthenticationOptions(user, pol)
	if err != nil {
		return nil, fmt.Errorf("build authentication options: %w", err)
	}

	challengeID, err := s.verifier.StashSession(ctx, challenge.KindAuthentication, session, nil)
	if err != nil {
		return nil, err
	}

	out := &AuthenticationOptions{Options: assertion, ChallengeID: challengeID}
	if user == nil && pol.ConditionalUI && caps.SupportsConditionalMediation {
		out.Mediation = "conditional"
	}

	s.logger.Info("authentication options issued",
		"discoverable", user == nil,
		"browser", caps.BrowserFamily)

	return out, nil
}

// FinishAuthentication verifies an assertion response, advances the
// signature counter with a compare-and-set, refreshes the device
// association, and opens a session.
func (s *Service) FinishAuthentication(ctx context.Context, challengeID string, response *protocol.ParsedCredentialAssertionData, signals device.Signals) (*Result, error) {
	wu, wc, _, err := s.verifier.VerifyAuthentication(ctx, challengeID, response)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.GetCredentialByCredentialID(ctx, wc.ID)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateSignCount(ctx, stored.CredentialID, stored.SignCount, wc.Authenticator.SignCount, now); err != nil {
		if errors.Is(err, storage.ErrCounterConflict) {
			s.logger.Warn("concurrent counter update rejected",
				"credentialId", stored.CredentialIDString())
		}
		return nil, fmt.Errorf("update sign count: %w", err)
	}
	stored.SignCount = wc.Authenticator.SignCount
	stored.LastUsedAt = now

	deviceToken := s.recordDevice(ctx, wu.User.ID, stored.CredentialID, signals)

	session, err := s.openSession(ctx, wu.User)
	if err != nil {
		return nil, err
	}

	s.logger.Info("authentication succeeded",
		"email", wu.User.Email,
		"credentialId", stored.CredentialIDString(),
		"signCount", stored.SignCount)

	return &Result{User: wu.User, Session: session, Credential: stored, DeviceToken: deviceToken}, nil
}

// ValidateSession resolves a session id to a live session.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidSession
	}
	return session, nil
}

// Logout deletes the session. Deleting an unknown session is not an
// error.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Credentials lists a user's registered credentials.
func (s *Service) Credentials(ctx context.Context, userID []byte) ([]*models.Credential, error) {
	creds, err := s.store.GetCredentialsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	return creds, nil
}

// RevokeCredential removes one of the user's credentials, refusing to
// remove the last one. The id is the base64url credential id as shown
// to clients.
func (s *Service) RevokeCredential(ctx context.Context, userID []byte, credentialID string) error {
	creds, err := s.store.GetCredentialsByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get credentials: %w", err)
	}

	var target *models.Credential
	for _, c := range creds {
		if c.CredentialIDString() == credentialID {
			target = c
			break
		}
	}
	if target == nil {
		return storage.ErrCredentialNotFound
	}
	if len(creds) == 1 {
		return ErrLastCredential
	}

	if err := s.store.DeleteCredential(ctx, target.CredentialID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	s.logger.Info("credential revoked", "credentialId", credentialID)
	return nil
}

// UserSessions lists the user's live sessions.
func (s *Service) UserSessions(ctx context.Context, userID []byte) ([]*models.Session, error) {
	sessions, err := s.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession deletes one of the user's sessions. Sessions belonging
// to other users are reported as invalid rather than revealed.
func (s *Service) RevokeSession(ctx context.Context, userID []byte, sessionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil || !bytes.Equal(session.UserID, userID) {
		return ErrInvalidSession
	}
	return s.Logout(ctx, sessionID)
}

// Devices lists the user's recognized device associations.
func (s *Service) Devices(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error) {
	return s.devices.Associations(ctx, userID)
}

// openSession mints a login session for the user.
func (s *Service) openSession(ctx context.Context, user *models.User) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// recordDevice refreshes the device association for a successful
// ceremony. Recognition is advisory, so failures are logged and
// swallowed.
func (s *Service) recordDevice(ctx context.Context, userID, credentialID []byte, signals device.Signals) string {
	fp := device.ComputeFingerprint(signals)
	if fp.Value == device.PlaceholderFingerprint {
		return ""
	}

	assoc, err := s.devices.RecordAssociation(ctx, userID, credentialID, fp, deviceDetails(signals))
	if err != nil {
		s.logger.Warn("device association failed", "error", err)
		return ""
	}
	return assoc.DeviceToken
}

func deviceDetails(signals device.Signals) models.DeviceDetails {
	class := "desktop"
	if signals.TouchSupport {
		class = "mobile"
	}
	return models.DeviceDetails{
		BrowserFamily: string(browser.ParseFamily(signals.UserAgent)),
		OS:            signals.Platform,
		DeviceClass:   class,
	}
}
