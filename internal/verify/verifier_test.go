package verify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/challenge"
	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/options"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
)

const (
	testRPID     = "example.com"
	testRPName   = "Example Corp"
	testRPOrigin = "https://example.com"
)

type verifyFixture struct {
	verifier *Verifier
	builder  *options.Builder
	store    *storage.MemoryStore
	rp       virtualwebauthn.RelyingParty
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          testRPID,
		RPDisplayName: testRPName,
		RPOrigins:     []string{testRPOrigin},
	})
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	return &verifyFixture{
		verifier: NewVerifier(wa, challenge.NewMemoryStore(challenge.DefaultTTL), store),
		builder:  options.NewBuilder(wa),
		store:    store,
		rp: virtualwebauthn.RelyingParty{
			Name:   testRPName,
			ID:     testRPID,
			Origin: testRPOrigin,
		},
	}
}

// register runs a full registration ceremony against the fixture and
// persists the resulting credential.
func (f *verifyFixture) register(t *testing.T, email string, auth virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) *models.User {
	t.Helper()
	ctx := context.Background()

	user, err := f.store.CreateUser(ctx, email, "")
	require.NoError(t, err)

	pol := browser.AdaptRegistrationPolicy(browser.Capabilities{BrowserFamily: browser.FamilyChrome}, 0)
	creation, session, err := f.builder.BuildRegistrationOptions(&models.WebAuthnUser{User: user}, pol)
	require.NoError(t, err)

	challengeID, err := f.verifier.StashSession(ctx, challenge.KindRegistration, session, nil)
	require.NoError(t, err)

	stored, rec, err := f.verifier.VerifyRegistration(ctx, challengeID, attest(t, f.rp, auth, cred, creation))
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, f.store.StoreCredential(ctx, stored))

	return user
}

func attest(t *testing.T, rp virtualwebauthn.RelyingParty, auth virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential, creation *protocol.CredentialCreation) *protocol.ParsedCredentialCreationData {
	t.Helper()

	raw, err := json.Marshal(creation.Response)
	require.NoError(t, err)
	parsedOpts, err := virtualwebauthn.ParseAttestationOptions(string(raw))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(rp, auth, *cred, *parsedOpts)

	var ccr protocol.CredentialCreationResponse
	require.NoError(t, json.Unmarshal([]byte(attestation), &ccr))
	parsed, err := ccr.Parse()
	require.NoError(t, err)
	return parsed
}

func assertResponse(t *testing.T, rp virtualwebauthn.RelyingParty, auth virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential, assertion *protocol.CredentialAssertion) *protocol.ParsedCredentialAssertionData {
	t.Helper()

	raw, err := json.Marshal(assertion.Response)
	require.NoError(t, err)
	parsedOpts, err := virtualwebauthn.ParseAssertionOptions(string(raw))
	require.NoError(t, err)

	response := virtualwebauthn.CreateAssertionResponse(rp, auth, *cred, *parsedOpts)

	var car protocol.CredentialAssertionResponse
	require.NoError(t, json.Unmarshal([]byte(response), &car))
	parsed, err := car.Parse()
	require.NoError(t, err)
	return parsed
}

func TestVerifyRegistration_FullCeremony(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user, err := f.store.CreateUser(ctx, "reg@example.com", "Reg User")
	require.NoError(t, err)

	pol := browser.AdaptRegistrationPolicy(browser.Capabilities{BrowserFamily: browser.FamilyChrome}, 0)
	creation, session, err := f.builder.BuildRegistrationOptions(&models.WebAuthnUser{User: user}, pol)
	require.NoError(t, err)

	challengeID, err := f.verifier.StashSession(ctx, challenge.KindRegistration, session, map[string]string{"email": "reg@example.com"})
	require.NoError(t, err)

	parsed := attest(t, f.rp, auth, &vcred, creation)

	cred, rec, err := f.verifier.VerifyRegistration(ctx, challengeID, parsed)
	require.NoError(t, err)
	assert.Equal(t, user.ID, cred.UserID)
	assert.NotEmpty(t, cred.CredentialID)
	assert.NotEmpty(t, cred.PublicKey)
	assert.Equal(t, "reg@example.com", rec.Context["email"])

	// The challenge is burned; replaying the same response must fail.
	_, _, err = f.verifier.VerifyRegistration(ctx, challengeID, parsed)
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyRegistration_KindMismatch(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user, err := f.store.CreateUser(ctx, "mismatch@example.com", "")
	require.NoError(t, err)

	pol := browser.AdaptRegistrationPolicy(browser.Capabilities{BrowserFamily: browser.FamilyChrome}, 0)
	creation, session, err := f.builder.BuildRegistrationOptions(&models.WebAuthnUser{User: user}, pol)
	require.NoError(t, err)

	// Stashed under the wrong ceremony kind.
	challengeID, err := f.verifier.StashSession(ctx, challenge.KindAuthentication, session, nil)
	require.NoError(t, err)

	_, _, err = f.verifier.VerifyRegistration(ctx, challengeID, attest(t, f.rp, auth, &vcred, creation))
	assert.ErrorIs(t, err, ErrKindMismatch)

	// The mismatched challenge is still spent.
	_, _, err = f.verifier.VerifyRegistration(ctx, challengeID, nil)
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyAuthentication_Identified(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := f.register(t, "login@example.com", auth, &vcred)
	auth.AddCredential(vcred)

	creds, err := f.store.GetCredentialsByUserID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)

	pol := browser.AdaptAuthenticationPolicy(browser.Capabilities{BrowserFamily: browser.FamilyChrome}, 0)
	assertion, session, err := f.builder.BuildAuthenticationOptions(&models.WebAuthnUser{User: user, Credentials: creds}, pol)
	require.NoError(t, err)

	challengeID, err := f.verifier.StashSession(ctx, challenge.KindAuthentication, session, nil)
	require.NoError(t, err)

	vcred.Counter++
	wu, wc, _, err := f.verifier.VerifyAuthentication(ctx, challengeID, assertResponse(t, f.rp, auth, &vcred, assertion))
	require.NoError(t, err)
	assert.Equal(t, user.ID, wu.User.ID)
	assert.Equal(t, uint32(1), wc.Authenticator.SignCount)
}

func TestVerifyAuthentication_CloneSuspected(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := f.register(t, "clone@example.com", auth, &vcred)
	auth.AddCredential(vcred)

	// The stored counter is ahead of anything the authenticator will
	// sign, as if a clone had already authenticated.
	creds, err := f.store.GetCredentialsByUserID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	creds[0].SignCount = 10
	require.NoError(t, f.store.UpdateCredential(ctx, creds[0]))

	pol := browser.AdaptAuthenticationPolicy(browser.Capabilities{BrowserFamily: browser.FamilyChrome}, 0)
	assertion, session, err := f.builder.BuildAuthenticationOptions(&models.WebAuthnUser{User: user, Credentials: creds}, pol)
	require.NoError(t, err)

	challengeID, err := f.verifier.StashSession(ctx, challenge.KindAuthentication, session, nil)
	require.NoError(t, err)

	vcred.Counter = 1
	_, _, _, err = f.verifier.VerifyAuthentication(ctx, challengeID, assertResponse(t, f.rp, auth, &vcred, assertion))
	assert.ErrorIs(t, err, ErrCloneSuspected)
}

func TestVerifyAuthentication_Discoverable(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()

	auth := virtualwebauthn.NewAuthenticator()
	vcred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := f.register(t, "passkey@example.com", auth, &vcred)

	// Discoverable assertions carry the user handle from the
	// authenticator itself.
	discoverable := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: user.ID,
	})
	discoverable.AddCredential(vcred)

	pol := browser.AdaptAuthenticationPolicy(browser.Capabilities{BrowserFamily: browser.FamilySafari}, 0)
	assertion, session, err := f.builder.BuildAuthenticationOptions(nil, pol)
	require.NoError(t, err)
	assert.Empty(t, assertion.Response.AllowedCredentials)

	challengeID, err := f.verifier.StashSession(ctx, challenge.KindAuthentication, session, nil)
	require.NoError(t, err)

	vcred.Counter++
	wu, wc, _, err := f.verifier.VerifyAuthentication(ctx, challengeID, assertResponse(t, f.rp, discoverable, &vcred, assertion))
	require.NoError(t, err)
	assert.Equal(t, "passkey@example.com", wu.User.Email)
	assert.NotNil(t, wc)
}
