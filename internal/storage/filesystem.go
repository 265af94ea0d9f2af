package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmcm77/passkeys-sub000/internal/models"
)

// FilesystemStore persists records as JSON files under a base directory:
//
//	users/<email>.json           user records
//	handles/<hex-user-id>        user handle -> email index
//	credentials/<hex-user-id>/   one file per credential
//	credindex/<hex-cred-id>      credential id -> user handle index
//	devices/<hex-user-id>.json   device association list
type FilesystemStore struct {
	basePath string
	mu       sync.Mutex
}

func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	for _, dir := range []string{"users", "handles", "credentials", "credindex", "devices"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s path: %w", dir, err)
		}
	}
	return &FilesystemStore{basePath: basePath}, nil
}

func (f *FilesystemStore) userPath(email string) string {
	return filepath.Join(f.basePath, "users", url.PathEscape(models.NormalizeEmail(email))+".json")
}

func (f *FilesystemStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readUser(email)
}

func (f *FilesystemStore) readUser(email string) (*models.User, error) {
	data, err := os.ReadFile(f.userPath(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (f *FilesystemStore) GetUserByID(ctx context.Context, userID []byte) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	email, err := os.ReadFile(filepath.Join(f.basePath, "handles", hex.EncodeToString(userID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read handle index: %w", err)
	}
	return f.readUser(string(email))
}

func (f *FilesystemStore) CreateUser(ctx context.Context, email, displayName string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	email = models.NormalizeEmail(email)
	if _, err := os.Stat(f.userPath(email)); err == nil {
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

	if err := f.writeUser(user); err != nil {
		return nil, err
	}
	indexPath := filepath.Join(f.basePath, "handles", hex.EncodeToString(user.ID))
	if err := os.WriteFile(indexPath, []byte(email), 0644); err != nil {
		return nil, fmt.Errorf("failed to write handle index: %w", err)
	}
	return user, nil
}

func (f *FilesystemStore) SaveUser(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.readUser(user.Email); err != nil {
		return err
	}
	user.UpdatedAt = time.Now().UTC()
	return f.writeUser(user)
}

func (f *FilesystemStore) writeUser(user *models.User) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := os.WriteFile(f.userPath(user.Email), data, 0644); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	return nil
}

func (f *FilesystemStore) credDir(userID []byte) string {
	return filepath.Join(f.basePath, "credentials", hex.EncodeToString(userID))
}

func (f *FilesystemStore) GetCredentialsByUserID(ctx context.Context, userID []byte) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.credDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Credential{}, nil
		}
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(entries))
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(f.credDir(userID), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read credential file: %w", err)
		}
		var cred models.Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}

func (f *FilesystemStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCredential(credentialID)
}

func (f *FilesystemStore) readCredential(credentialID []byte) (*models.Credential, error) {
	credKey := hex.EncodeToString(credentialID)
	userKey, err := os.ReadFile(filepath.Join(f.basePath, "credindex", credKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to read credential index: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(f.basePath, "credentials", string(userKey), credKey+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

func (f *FilesystemStore) StoreCredential(ctx context.Context, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	credKey := hex.EncodeToString(cred.CredentialID)
	indexPath := filepath.Join(f.basePath, "credindex", credKey)
	if _, err := os.Stat(indexPath); err == nil {
		return ErrCredentialExists
	}

	if err := os.MkdirAll(f.credDir(cred.UserID), 0755); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}
	if err := f.writeCredential(cred); err != nil {
		return err
	}
	if err := os.WriteFile(indexPath, []byte(hex.EncodeToString(cred.UserID)), 0644); err != nil {
		return fmt.Errorf("failed to write credential index: %w", err)
	}
	return nil
}

func (f *FilesystemStore) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.readCredential(cred.CredentialID); err != nil {
		return err
	}
	return f.writeCredential(cred)
}

func (f *FilesystemStore) UpdateSignCount(ctx context.Context, credentialID []byte, oldCount, newCount uint32, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cred, err := f.readCredential(credentialID)
	if err != nil {
		return err
	}
	if cred.SignCount != oldCount {
		return ErrCounterConflict
	}
	cred.SignCount = newCount
	cred.LastUsedAt = usedAt
	return f.writeCredential(cred)
}

func (f *FilesystemStore) writeCredential(cred *models.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	path := filepath.Join(f.credDir(cred.UserID), hex.EncodeToString(cred.CredentialID)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

func (f *FilesystemStore) DeleteCredential(ctx context.Context, credentialID []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cred, err := f.readCredential(credentialID)
	if err != nil {
		return err
	}

	credKey := hex.EncodeToString(credentialID)
	if err := os.Remove(filepath.Join(f.credDir(cred.UserID), credKey+".json")); err != nil {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	if err := os.Remove(filepath.Join(f.basePath, "credindex", credKey)); err != nil {
		return fmt.Errorf("failed to remove credential index: %w", err)
	}
	return nil
}

func (f *FilesystemStore) devicePath(userID []byte) string {
	return filepath.Join(f.basePath, "devices", hex.EncodeToString(userID)+".json")
}

func (f *FilesystemStore) GetDeviceAssociations(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDevices(userID)
}

func (f *FilesystemStore) readDevices(userID []byte) ([]*models.DeviceAssociation, error) {
	data, err := os.ReadFile(f.devicePath(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.DeviceAssociation{}, nil
		}
		return nil, fmt.Errorf("failed to read device file: %w", err)
	}

	var assocs []*models.DeviceAssociation
	if err := json.Unmarshal(data, &assocs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
	}
	return assocs, nil
}

func (f *FilesystemStore) UpsertDeviceAssociation(ctx context.Context, assoc *models.DeviceAssociation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	assocs, err := f.readDevices(assoc.UserID)
	if err != nil {
		return err
	}

	credKey := hex.EncodeToString(assoc.CredentialID)
	replaced := false
	for i, a := range assocs {
		if hex.EncodeToString(a.CredentialID) == credKey {
			assoc.CreatedAt = a.CreatedAt
			assocs[i] = assoc
			replaced = true
			break
		}
	}
	if !replaced {
		assocs = append(assocs, assoc)
	}

	data, err := json.MarshalIndent(assocs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	if err := os.WriteFile(f.devicePath(assoc.UserID), data, 0644); err != nil {
		return fmt.Errorf("failed to write device file: %w", err)
	}
	return nil
}
