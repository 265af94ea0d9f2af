package models

import "time"

// Session is an authenticated session established after a successful
// ceremony. The core only produces these; cookie mechanics live with the
// caller.
type Session struct {
	ID        string    `json:"id"`
	UserID    []byte    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
