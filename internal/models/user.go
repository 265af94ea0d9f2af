package models

import (
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// User is the account a credential belongs to. Credentials are stored
// separately and joined in via WebAuthnUser when a ceremony needs them.
type User struct {
	ID          []byte    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NormalizeEmail lowercases and trims an email address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// WebAuthnUser pairs a user with their stored credentials for the duration
// of a ceremony. It satisfies the webauthn.User interface.
type WebAuthnUser struct {
	User        *User
	Credentials []*Credential
}

func (u *WebAuthnUser) WebAuthnID() []byte {
	return u.User.ID
}

func (u *WebAuthnUser) WebAuthnName() string {
	return u.User.Email
}

func (u *WebAuthnUser) WebAuthnDisplayName() string {
	if u.User.DisplayName == "" {
		return u.User.Email
	}
	return u.User.DisplayName
}

func (u *WebAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.Credentials))
	for i, c := range u.Credentials {
		creds[i] = c.ToWebAuthn()
	}
	return creds
}
