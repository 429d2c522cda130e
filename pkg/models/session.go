package models

import (
	"time"
)

// SessionToken is the broker session credential. There is a single current
// value per broker account; refreshes overwrite it.
type SessionToken struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	IssuedAt    time.Time `json:"issued_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
	// ExpiresAt is the expiry advertised inside the token itself, if any.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Age returns how long ago the token was issued.
func (t SessionToken) Age(now time.Time) time.Duration {
	return now.Sub(t.IssuedAt)
}
