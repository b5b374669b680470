// Package domain contains entities without transport, just meta-data
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

type UserID string

// Account is the durable user record owned by the account service.
// CurrentSession points at the session the user is taking part in, if any.
type Account struct {
	ID             UserID    `json:"id"`
	Username       string    `json:"username"`
	CurrentSession SessionID `json:"sessionId,omitempty"`
}

func NewAccount(username string) (*Account, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	return &Account{ID: UserID(uuid.NewString()), Username: username}, nil
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

// UserSession maps the opaque usid cookie to an account.
type UserSession struct {
	Token     string    `json:"token"`
	UserID    UserID    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

func NewUserSession(uid UserID, now time.Time) *UserSession {
	return &UserSession{
		Token:     uuid.NewString(),
		UserID:    uid,
		CreatedAt: now,
		LastSeen:  now,
	}
}
