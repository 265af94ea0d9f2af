package storage

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmcm77/passkeys-sub000/internal/models"
)

// MemoryStore keeps users, credentials and device associations in
// process memory. Not persistent; used for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	usersByEmail  map[string]*models.User
	usersByID     map[string]*models.User
	credsByID     map[string]*models.Credential
	credsByUser   map[string][]*models.Credential
	devicesByUser map[string][]*models.DeviceAssociation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByEmail:  make(map[string]*models.User),
		usersByID:     make(map[string]*models.User),
		credsByID:     make(map[string]*models.Credential),
		credsByUser:   make(map[string][]*models.Credential),
		devicesByUser: make(map[string][]*models.DeviceAssociation),
	}
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.usersByEmail[models.NormalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryStore) GetUserByID(ctx context.Context, userID []byte) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.usersByID[hex.EncodeToString(userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, email, displayName string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = models.NormalizeEmail(email)
	if _, ok := m.usersByEmail[email]; ok {
		return nil, ErrUserExists
	}

	handle := uuid.New()
	now := time.Now().UTC()
	user := &models.User{
		ID:          handle[:],
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.usersByEmail[email] = user
	m.usersByID[hex.EncodeToString(user.ID)] = user
	return user, nil
}

func (m *MemoryStore) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := hex.EncodeToString(user.ID)
	if _, ok := m.usersByID[key]; !ok {
		return ErrUserNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	m.usersByID[key] = user
	m.usersByEmail[models.NormalizeEmail(user.Email)] = user
	return nil
}

func (m *MemoryStore) GetCredentialsByUserID(ctx context.Context, userID []byte) ([]*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	creds := m.credsByUser[hex.EncodeToString(userID)]
	result := make([]*models.Credential, len(creds))
	copy(result, creds)
	return result, nil
}

func (m *MemoryStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credsByID[hex.EncodeToString(credentialID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return cred, nil
}

func (m *MemoryStore) StoreCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	credKey := hex.EncodeToString(cred.CredentialID)
	if _, ok := m.credsByID[credKey]; ok {
		return ErrCredentialExists
	}

	userKey := hex.EncodeToString(cred.UserID)
	m.credsByID[credKey] = cred
	m.credsByUser[userKey] = append(m.credsByUser[userKey], cred)
	return nil
}

func (m *MemoryStore) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(cred)
}

func (m *MemoryStore) UpdateSignCount(ctx context.Context, credentialID []byte, oldCount, newCount uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credsByID[hex.EncodeToString(credentialID)]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.SignCount != oldCount {
		return ErrCounterConflict
	}

	updated := *cred
	updated.SignCount = newCount
	updated.LastUsedAt = usedAt
	return m.replaceLocked(&updated)
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, credentialID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	credKey := hex.EncodeToString(credentialID)
	cred, ok := m.credsByID[credKey]
	if !ok {
		return ErrCredentialNotFound
	}
	delete(m.credsByID, credKey)

	userKey := hex.EncodeToString(cred.UserID)
	creds := m.credsByUser[userKey]
	for i, c := range creds {
		if hex.EncodeToString(c.CredentialID) == credKey {
			m.credsByUser[userKey] = append(creds[:i], creds[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) replaceLocked(cred *models.Credential) error {
	credKey := hex.EncodeToString(cred.CredentialID)
	if _, ok := m.credsByID[credKey]; !ok {
		return ErrCredentialNotFound
	}
	m.credsByID[credKey] = cred

	userKey := hex.EncodeToString(cred.UserID)
	creds := m.credsByUser[userKey]
	for i, c := range creds {
		if hex.EncodeToString(c.CredentialID) == credKey {
			creds[i] = cred
			break
		}
	}
	return nil
}

func (m *MemoryStore) GetDeviceAssociations(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assocs := m.devicesByUser[hex.EncodeToString(userID)]
	result := make([]*models.DeviceAssociation, len(assocs))
	copy(result, assocs)
	return result, nil
}

func (m *MemoryStore) UpsertDeviceAssociation(ctx context.Context, assoc *models.DeviceAssociation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	userKey := hex.EncodeToString(assoc.UserID)
	credKey := hex.EncodeToString(assoc.CredentialID)
	assocs := m.devicesByUser[userKey]
	for i, a := range assocs {
		if hex.EncodeToString(a.CredentialID) == credKey {
			assoc.CreatedAt = a.CreatedAt
			assocs[i] = assoc
			return nil
		}
	}
	m.devicesByUser[userKey] = append(assocs, assoc)
	return nil
}
