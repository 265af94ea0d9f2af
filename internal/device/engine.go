package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcm77/passkeys-sub000/internal/models"
	"github.com/mmcm77/passkeys-sub000/internal/storage"
)

// Engine answers "has this user authenticated from this device before".
// Its answers bias UX only; errors degrade to "not recognized" instead
// of failing the caller.
type Engine struct {
	store  storage.DeviceStore
	tokens *TokenIssuer
	logger *slog.Logger
}

func NewEngine(store storage.DeviceStore, tokens *TokenIssuer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, tokens: tokens, logger: logger}
}

// IsRecognized reports whether the fingerprint matches a stored
// association for the user. The placeholder fingerprint never matches.
func (e *Engine) IsRecognized(ctx context.Context, userID []byte, fingerprint string) bool {
	if fingerprint == "" || fingerprint == PlaceholderFingerprint {
		return false
	}

	assocs, err := e.store.GetDeviceAssociations(ctx, userID)
	if err != nil {
		e.logger.Warn("device association lookup failed", "error", err)
		return false
	}

	for _, a := range assocs {
		if a.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// RecognizeToken checks a previously issued device token. It is
// stricter than IsRecognized: the token must verify and still belong to
// the claimed user.
func (e *Engine) RecognizeToken(ctx context.Context, userID []byte, deviceToken string) bool {
	if deviceToken == "" || e.tokens == nil {
		return false
	}

	claims, err := e.tokens.Verify(deviceToken)
	if err != nil {
		e.logger.Debug("device token rejected", "error", err)
		return false
	}
	if !bytes.Equal(claims.UserID, userID) {
		return false
	}
	return e.IsRecognized(ctx, userID, claims.Fingerprint)
}

// RecordAssociation upserts the (user, credential) device association
// and rotates its device token. Called after every successful
// authentication, so LastUsedAt doubles as a recency signal.
func (e *Engine) RecordAssociation(ctx context.Context, userID, credentialID []byte, fingerprint Fingerprint, details models.DeviceDetails) (*models.DeviceAssociation, error) {
	assoc := &models.DeviceAssociation{
		UserID:       userID,
		CredentialID: credentialID,
		Fingerprint:  fingerprint.Value,
		Details:      details,
		LastUsedAt:   time.Now().UTC(),
	}

	if e.tokens != nil {
		token, err := e.tokens.Issue(TokenClaims{
			UserID:       userID,
			CredentialID: credentialID,
			Fingerprint:  fingerprint.Value,
		})
		if err != nil {
			return nil, fmt.Errorf("issue device token: %w", err)
		}
		assoc.DeviceToken = token
	}

	if err := e.store.UpsertDeviceAssociation(ctx, assoc); err != nil {
		return nil, fmt.Errorf("upsert device association: %w", err)
	}
	return assoc, nil
}

// Associations lists the user's recognized devices.
func (e *Engine) Associations(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error) {
	assocs, err := e.store.GetDeviceAssociations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get device associations: %w", err)
	}
	return assocs, nil
}
