package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mmcm77/passkeys-sub000/internal/models"
)

// S3Store persists records as JSON objects in an S3-compatible bucket,
// using the same key layout as FilesystemStore. Counter updates are
// read-compare-write; S3 offers no conditional write here, so the
// compare-and-set guard is best-effort across replicas.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

func userKey(email string) string {
	return "users/" + url.PathEscape(models.NormalizeEmail(email)) + ".json"
}

func (s *S3Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	data, err := s.getObject(ctx, userKey(email))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrUserNotFound
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (s *S3Store) GetUserByID(ctx context.Context, userID []byte) (*models.User, error) {
	email, err := s.getObject(ctx, "handles/"+hex.EncodeToString(userID))
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, ErrUserNotFound
	}
	return s.GetUserByEmail(ctx, string(email))
}

func (s *S3Store) CreateUser(ctx context.Context, email, displayName string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	ok, err := s.exists(ctx, userKey(email))
	if err != nil {
		return nil, err
	}
	if ok {
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

	if err := s.writeUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.putObject(ctx, "handles/"+hex.EncodeToString(user.ID), []byte(email)); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *S3Store) SaveUser(ctx context.Context, user *models.User) error {
	ok, err := s.exists(ctx, userKey(user.Email))
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	return s.writeUser(ctx, user)
}

func (s *S3Store) writeUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return s.putObject(ctx, userKey(user.Email), data)
}

func credKey(userID, credentialID []byte) string {
	return "credentials/" + hex.EncodeToString(userID) + "/" + hex.EncodeToString(credentialID) + ".json"
}

func (s *S3Store) GetCredentialsByUserID(ctx context.Context, userID []byte) ([]*models.Credential, error) {
	prefix := "credentials/" + hex.EncodeToString(userID) + "/"
	creds := []*models.Credential{}

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list credentials: %w", object.Err)
		}
		data, err := s.getObject(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var cred models.Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}

func (s *S3Store) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error) {
	userID, err := s.getObject(ctx, "credindex/"+hex.EncodeToString(credentialID))
	if err != nil {
		return nil, err
	}
	if userID == nil {
		return nil, ErrCredentialNotFound
	}

	rawUser, err := hex.DecodeString(string(userID))
	if err != nil {
		return nil, fmt.Errorf("corrupt credential index: %w", err)
	}
	data, err := s.getObject(ctx, credKey(rawUser, credentialID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrCredentialNotFound
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

func (s *S3Store) StoreCredential(ctx context.Context, cred *models.Credential) error {
	indexKey := "credindex/" + hex.EncodeToString(cred.CredentialID)
	ok, err := s.exists(ctx, indexKey)
	if err != nil {
		return err
	}
	if ok {
		return ErrCredentialExists
	}

	if err := s.writeCredential(ctx, cred); err != nil {
		return err
	}
	return s.putObject(ctx, indexKey, []byte(hex.EncodeToString(cred.UserID)))
}

func (s *S3Store) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	if _, err := s.GetCredentialByCredentialID(ctx, cred.CredentialID); err != nil {
		return err
	}
	return s.writeCredential(ctx, cred)
}

func (s *S3Store) UpdateSignCount(ctx context.Context, credentialID []byte, oldCount, newCount uint32, usedAt time.Time) error {
	cred, err := s.GetCredentialByCredentialID(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.SignCount != oldCount {
		return ErrCounterConflict
	}
	cred.SignCount = newCount
	cred.LastUsedAt = usedAt
	return s.writeCredential(ctx, cred)
}

func (s *S3Store) writeCredential(ctx context.Context, cred *models.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	return s.putObject(ctx, credKey(cred.UserID, cred.CredentialID), data)
}

func (s *S3Store) DeleteCredential(ctx context.Context, credentialID []byte) error {
	cred, err := s.GetCredentialByCredentialID(ctx, credentialID)
	if err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, s.bucket, credKey(cred.UserID, credentialID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, "credindex/"+hex.EncodeToString(credentialID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove credential index: %w", err)
	}
	return nil
}

func deviceKey(userID []byte) string {
	return "devices/" + hex.EncodeToString(userID) + ".json"
}

func (s *S3Store) GetDeviceAssociations(ctx context.Context, userID []byte) ([]*models.DeviceAssociation, error) {
	data, err := s.getObject(ctx, deviceKey(userID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return []*models.DeviceAssociation{}, nil
	}

	var assocs []*models.DeviceAssociation
	if err := json.Unmarshal(data, &assocs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
	}
	return assocs, nil
}

func (s *S3Store) UpsertDeviceAssociation(ctx context.Context, assoc *models.DeviceAssociation) error {
	assocs, err := s.GetDeviceAssociations(ctx, assoc.UserID)
	if err != nil {
		return err
	}

	credID := hex.EncodeToString(assoc.CredentialID)
	replaced := false
	for i, a := range assocs {
		if hex.EncodeToString(a.CredentialID) == credID {
			assoc.CreatedAt = a.CreatedAt
			assocs[i] = assoc
			replaced = true
			break
		}
	}
	if !replaced {
		assocs = append(assocs, assoc)
	}

	data, err := json.Marshal(assocs)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	return s.putObject(ctx, deviceKey(assoc.UserID), data)
}
