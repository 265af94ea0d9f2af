package models

import "time"

// DeviceDetails is descriptive metadata about the browser/device a
// credential was used from. It is never security-relevant.
type DeviceDetails struct {
	BrowserFamily string `json:"browserFamily,omitempty"`
	OS            string `json:"os,omitempty"`
	DeviceClass   string `json:"deviceClass,omitempty"`
}

// DeviceAssociation links a user and credential to a recognized device.
// The fingerprint is a recognition hint used to bias UX only; it never
// substitutes for cryptographic verification. At most one association
// exists per (userId, credentialId) pair.
type DeviceAssociation struct {
	UserID       []byte        `json:"userId"`
	CredentialID []byte        `json:"credentialId"`
	Fingerprint  string        `json:"fingerprint"`
	Details      DeviceDetails `json:"details"`
	DeviceToken  string        `json:"deviceToken,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastUsedAt   time.Time     `json:"lastUsedAt"`
}
