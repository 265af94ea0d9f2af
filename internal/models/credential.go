package models

import (
	"encoding/base64"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// DeviceType describes whether a credential is bound to a single
// authenticator or synced across devices (a backed-up passkey).
type DeviceType string

const (
	DeviceTypeSingle DeviceType = "singleDevice"
	DeviceTypeMulti  DeviceType = "multiDevice"
)

// Credential is a WebAuthn public-key credential record. CredentialID is
// the authenticator-assigned identifier and is globally unique.
type Credential struct {
	ID              string                            `json:"id"`
	UserID          []byte                            `json:"userId"`
	CredentialID    []byte                            `json:"credentialId"`
	PublicKey       []byte                            `json:"publicKey"`
	AttestationType string                            `json:"attestationType"`
	Transports      []protocol.AuthenticatorTransport `json:"transports,omitempty"`
	SignCount       uint32                            `json:"signCount"`
	AAGUID          []byte                            `json:"aaguid,omitempty"`
	UserVerified    bool                              `json:"userVerified"`
	BackupEligible  bool                              `json:"backupEligible"`
	BackedUp        bool                              `json:"backedUp"`
	CreatedAt       time.Time                         `json:"createdAt"`
	LastUsedAt      time.Time                         `json:"lastUsedAt,omitempty"`
}

// DeviceType derives the single/multi device classification from the
// backup-eligibility flag reported by the authenticator.
func (c *Credential) DeviceType() DeviceType {
	if c.BackupEligible {
		return DeviceTypeMulti
	}
	return DeviceTypeSingle
}

// CredentialIDString returns the credential ID in its wire encoding
// (base64url, no padding).
func (c *Credential) CredentialIDString() string {
	return base64.RawURLEncoding.EncodeToString(c.CredentialID)
}

// Descriptor returns the credential as a descriptor suitable for
// allowCredentials / excludeCredentials lists.
func (c *Credential) Descriptor() protocol.CredentialDescriptor {
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: c.CredentialID,
		Transport:    c.Transports,
	}
}

// ToWebAuthn converts the record to the go-webauthn credential type used
// during signature validation.
func (c *Credential) ToWebAuthn() webauthn.Credential {
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       c.Transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			UserVerified:   c.UserVerified,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

// FromWebAuthnCredential builds a credential record from a freshly
// verified go-webauthn credential.
func FromWebAuthnCredential(id string, userID []byte, wc *webauthn.Credential) *Credential {
	return &Credential{
		ID:              id,
		UserID:          userID,
		CredentialID:    wc.ID,
		PublicKey:       wc.PublicKey,
		AttestationType: wc.AttestationType,
		Transports:      wc.Transport,
		SignCount:       wc.Authenticator.SignCount,
		AAGUID:          wc.Authenticator.AAGUID,
		UserVerified:    wc.Flags.UserVerified,
		BackupEligible:  wc.Flags.BackupEligible,
		BackedUp:        wc.Flags.BackupState,
		CreatedAt:       time.Now().UTC(),
	}
}
