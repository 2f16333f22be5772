// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDTooLong   = errors.New("user id too long")
)

type UserID string

type User struct {
	ID        UserID `json:"id" mapstructure:"id"`
	Username  string `json:"name" mapstructure:"name"`
	AvatarURL string `json:"avatar,omitempty" mapstructure:"avatar"`
	Admin     bool   `json:"-" mapstructure:"admin"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id is replaced by a random one.
func NewUser(id UserID, username string) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if id == "" {
		id = UserID(uuid.NewString())
	}
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
