package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/challenge"
	"github.com/mmcm77/passkeys-sub000/internal/device"
	"github.com/mmcm77/passkeys-sub000/internal/options"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
	"github.com/mmcm77/passkeys-sub000/internal/verify"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

var (
	chromeCaps = browser.Capabilities{
		SupportsWebAuthn:              true,
		SupportsPlatformAuthenticator: true,
		BrowserFamily:                 browser.FamilyChrome,
		SecureContext:                 true,
	}
	safariCaps = browser.Capabilities{
		SupportsWebAuthn:              true,
		SupportsConditionalMediation:  true,
		SupportsPlatformAuthenticator: true,
		BrowserFamily:                 browser.FamilySafari,
		SecureContext:                 true,
	}
	testSignals = device.Signals{
		UserAgent: "Mozilla/5.0 (Macintosh) Chrome/129.0",
		Platform:  "MacIntel",
		Language:  "en-US",
	}
)

type serviceFixture struct {
	service *Service
	store   *storage.MemoryStore
	rp      virtualwebauthn.RelyingParty
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          testRPID,
		RPDisplayName: "Example Corp",
		RPOrigins:     []string{testOrigin},
	})
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	challenges := challenge.NewMemoryStore(challenge.DefaultTTL)
	engine := device.NewEngine(store, device.NewTokenIssuer([]byte("test-secret"), time.Hour), nil)
	svc := NewService(
		options.NewBuilder(wa),
		verify.NewVerifier(wa, challenges, store),
		engine,
		store,
		storage.NewMemorySessionStore(),
		nil,
	)

	return &serviceFixture{
		service: svc,
		store:   store,
		rp:      virtualwebauthn.RelyingParty{Name: "Example Corp", ID: testRPID, Origin: testOrigin},
	}
}

func (f *serviceFixture) register(t *testing.T, email string, auth virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential, authenticated bool) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	opts, err := f.service.BeginRegistration(ctx, email, "", chromeCaps, authenticated)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(opts.Options.Response)
	require.NoError(t, err)
	parsedOpts, err := virtualwebauthn.ParseAttestationOptions(string(raw))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(f.rp, auth, *cred, *parsedOpts)
	var ccr protocol.CredentialCreationResponse
	require.NoError(t, json.Unmarshal([]byte(attestation), &ccr))
	parsed, err := ccr.Parse()
	require.NoError(t, err)

	return f.service.FinishRegistration(ctx, opts.ChallengeID, parsed, testSignals)
}

func (f *serviceFixture) authenticate(t *testing.T, email string, auth virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	opts, err := f.service.BeginAuthentication(ctx, email, chromeCaps)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(opts.Options.Response)
	require.NoError(t, err)
	parsedOpts, err := virtualwebauthn.ParseAssertionOptions(string(raw))
	require.NoError(t, err)

	cred.Counter++
	response := virtualwebauthn.CreateAssertionResponse(f.rp, auth, *cred, *parsedOpts)
	var car protocol.CredentialAssertionResponse
	require.NoError(t, json.Unmarshal([]byte(response), &car))
	parsed, err := car.Parse()
	require.NoError(t, err)

	return f.service.FinishAuthentication(ctx, opts.ChallengeID, parsed, testSignals)
}

func TestService_RegisterThenAuthenticate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	reg, err := f.register(t, "Alice@Example.com", auth, &vcred, false)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", reg.User.Email)
	assert.NotNil(t, reg.Session)
	assert.NotEmpty(t, reg.DeviceToken)
	auth.AddCredential(vcred)

	login, err := f.authenticate(t, "alice@example.com", auth, &vcred)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)
	assert.Equal(t, uint32(1), login.Credential.SignCount)

	// The counter advance is persisted.
	stored, err := f.store.GetCredentialByCredentialID(ctx, login.Credential.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)

	// The minted session validates and can be logged out.
	session, err := f.service.ValidateSession(ctx, login.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", session.Email)

	require.NoError(t, f.service.Logout(ctx, login.Session.ID))
	_, err = f.service.ValidateSession(ctx, login.Session.ID)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestService_SecondPasskeyRequiresAuthentication(t *testing.T) {
	f := newServiceFixture(t)

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	_, err := f.register(t, "bob@example.com", auth, &vcred, false)
	require.NoError(t, err)

	_, err = f.service.BeginRegistration(context.Background(), "bob@example.com", "", chromeCaps, false)
	assert.ErrorIs(t, err, ErrRegistrationNotAllowed)

	// Authenticated callers can add more passkeys.
	auth2 := virtualwebauthn.NewAuthenticator()
	vcred2 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	_, err = f.register(t, "bob@example.com", auth2, &vcred2, true)
	require.NoError(t, err)
}

func TestService_DiscoverableAuthentication(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	reg, err := f.register(t, "carol@example.com", auth, &vcred, false)
	require.NoError(t, err)

	opts, err := f.service.BeginAuthentication(ctx, "", safariCaps)
	require.NoError(t, err)
	assert.Empty(t, opts.Options.Response.AllowedCredentials)
	assert.Equal(t, "conditional", opts.Mediation)

	discoverable := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: reg.User.ID,
	})
	discoverable.AddCredential(vcred)

	raw, err := json.Marshal(opts.Options.Response)
	require.NoError(t, err)
	parsedOpts, err := virtualwebauthn.ParseAssertionOptions(string(raw))
	require.NoError(t, err)

	vcred.Counter++
	response := virtualwebauthn.CreateAssertionResponse(f.rp, discoverable, vcred, *parsedOpts)
	var car protocol.CredentialAssertionResponse
	require.NoError(t, json.Unmarshal([]byte(response), &car))
	parsed, err := car.Parse()
	require.NoError(t, err)

	login, err := f.service.FinishAuthentication(ctx, opts.ChallengeID, parsed, testSignals)
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", login.User.Email)
}

func TestService_BeginAuthenticationUnknownUser(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.BeginAuthentication(context.Background(), "nobody@example.com", chromeCaps)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestService_RevokeCredential(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	reg, err := f.register(t, "dave@example.com", auth, &vcred, false)
	require.NoError(t, err)

	// The only credential cannot be revoked.
	err = f.service.RevokeCredential(ctx, reg.User.ID, reg.Credential.CredentialIDString())
	assert.ErrorIs(t, err, ErrLastCredential)

	auth2 := virtualwebauthn.NewAuthenticator()
	vcred2 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	_, err = f.register(t, "dave@example.com", auth2, &vcred2, true)
	require.NoError(t, err)

	require.NoError(t, f.service.RevokeCredential(ctx, reg.User.ID, reg.Credential.CredentialIDString()))

	creds, err := f.service.Credentials(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)

	err = f.service.RevokeCredential(ctx, reg.User.ID, "unknown-id")
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestService_DeviceAssociationRecorded(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	reg, err := f.register(t, "erin@example.com", auth, &vcred, false)
	require.NoError(t, err)

	devices, err := f.service.Devices(ctx, reg.User.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, string(browser.FamilyChrome), devices[0].Details.BrowserFamily)
	assert.NotEmpty(t, devices[0].DeviceToken)
}
