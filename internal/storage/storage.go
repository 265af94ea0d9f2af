package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmcm77/passkeys-sub000/internal/models"
)

// Sentinel errors shared by all backends.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")

	// ErrCounterConflict is returned by UpdateSignCount when the stored
	// counter no longer matches the expected value. The compare-and-set
	// keeps the non-regression invariant intact under concurrent
	// authentications with the same credential.
	ErrCounterConflict = errors.New("sign counter conflict")
)

// UserStore is the user lookup/persistence contract. The backing store
// is external; the core only depends on these operations.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, userID []byte) (*models.User, error)
	CreateUser(ctx context.Context, email, displayName string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// CredentialStore persists public-key credential records, keyed by the
// authenticator-assigned credential ID.
type CredentialStore interface {
	GetCredentialsByUserID(ctx context.Context, userID []byte) ([]*models.Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error)
	StoreCredential(ctx context.Context, cred *models.Credential) error
	UpdateCredential(ctx context.Context, cred *models.Credential) error

	// UpdateSignCount bumps the signature counter and last-used time only
	// if the stored counter still equals oldCount.
	UpdateSignCount(ctx context.Context, credentialID []byte, oldCount, newCount uint32, usedAt time.Time) error

	DeleteCredential(ctx context.Context, credentialID []byte) error
}

// DeviceStore persists device associations. Re-upserting the same
// (userId, credentialId) pair updates in place rather than duplicating.
type DeviceStore interface {
	GetDeviceAssociations(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error)
	UpsertDeviceAssociation(ctx context.Context, assoc *models.DeviceAssociation) error
}

// SessionStore persists authenticated sessions. A missing or expired
// session reads back as nil, not an error.
type SessionStore interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetUserSessions(ctx context.Context, userID []byte) ([]*models.Session, error)
}

// Store is the composite persistence surface a backend provides.
type Store interface {
	UserStore
	CredentialStore
	DeviceStore
}
