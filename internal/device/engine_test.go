package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
)

func TestComputeFingerprint(t *testing.T) {
	signals := Signals{
		UserAgent:    "Mozilla/5.0 (Macintosh) Safari/605.1.15",
		Platform:     "MacIntel",
		Language:     "en-US",
		Timezone:     "America/New_York",
		ScreenWidth:  1512,
		ScreenHeight: 982,
		ColorDepth:   30,
	}

	fp := ComputeFingerprint(signals)
	assert.NotEqual(t, PlaceholderFingerprint, fp.Value)
	assert.NotEmpty(t, fp.Components)

	// Deterministic for identical signals.
	assert.Equal(t, fp.Value, ComputeFingerprint(signals).Value)

	// Any changed signal changes the value.
	changed := signals
	changed.Language = "de-DE"
	assert.NotEqual(t, fp.Value, ComputeFingerprint(changed).Value)
}

func TestComputeFingerprint_NoBrowserContext(t *testing.T) {
	fp := ComputeFingerprint(Signals{})
	assert.Equal(t, PlaceholderFingerprint, fp.Value)
	assert.Empty(t, fp.Components)
}

func TestEngine_RecognitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, NewTokenIssuer([]byte("test-secret"), time.Hour), nil)

	userID := []byte("user-1")
	credID := []byte("cred-1")
	fp := ComputeFingerprint(Signals{UserAgent: "Firefox/130", Platform: "Linux x86_64"})

	assert.False(t, engine.IsRecognized(ctx, userID, fp.Value))

	assoc, err := engine.RecordAssociation(ctx, userID, credID, fp, models.DeviceDetails{
		BrowserFamily: "firefox",
		OS:            "linux",
	})
	require.NoError(t, err)
	require.NotEmpty(t, assoc.DeviceToken)

	assert.True(t, engine.IsRecognized(ctx, userID, fp.Value))
	assert.False(t, engine.IsRecognized(ctx, []byte("other-user"), fp.Value))
	assert.False(t, engine.IsRecognized(ctx, userID, PlaceholderFingerprint))

	assert.True(t, engine.RecognizeToken(ctx, userID, assoc.DeviceToken))
	assert.False(t, engine.RecognizeToken(ctx, []byte("other-user"), assoc.DeviceToken))
	assert.False(t, engine.RecognizeToken(ctx, userID, "not-a-token"))
}

func TestEngine_RecordAssociationRotatesToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, NewTokenIssuer([]byte("test-secret"), time.Hour), nil)

	userID := []byte("user-2")
	credID := []byte("cred-2")
	fp := ComputeFingerprint(Signals{UserAgent: "Chrome/129"})

	first, err := engine.RecordAssociation(ctx, userID, credID, fp, models.DeviceDetails{})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	second, err := engine.RecordAssociation(ctx, userID, credID, fp, models.DeviceDetails{})
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceToken, second.DeviceToken)

	// Still a single association for the pair.
	assocs, err := engine.Associations(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, assocs, 1)
}

func TestTokenIssuer_Verify(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-a"), time.Hour)

	token, err := issuer.Issue(TokenClaims{
		UserID:       []byte("user-3"),
		CredentialID: []byte("cred-3"),
		Fingerprint:  "fp-3",
	})
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("user-3"), claims.UserID)
	assert.Equal(t, []byte("cred-3"), claims.CredentialID)
	assert.Equal(t, "fp-3", claims.Fingerprint)

	// Wrong key fails verification.
	other := NewTokenIssuer([]byte("secret-b"), time.Hour)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired tokens fail.
	expired := NewTokenIssuer([]byte("secret-a"), -time.Hour)
	tok, err := expired.Issue(TokenClaims{UserID: []byte("u")})
	require.NoError(t, err)
	_, err = issuer.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
