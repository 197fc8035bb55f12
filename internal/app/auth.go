package app

import (
	"errors"
	"fmt"
	"strings"

	"rerhythm/internal/util"
	"rerhythm/pkg/auth"
	"rerhythm/pkg/domain"
	"rerhythm/pkg/store"
)

// ErrDeviceRegistered is returned for anonymous logins from a device whose
// user has already registered.
var ErrDeviceRegistered = kindError{ErrUnauthorized, "this device belongs to a registered account, sign in with email and password"}

// Session is returned by login and register.
type Session struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// Login issues a session. Without credentials it signs the device in as its
// anonymous user, creating one on first use.
func (a *App) Login(deviceID, email, password string) (Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	email = normalizeEmail(email)
	if deviceID == "" {
		return Session{}, ErrDeviceIDRequired
	}
	if email == "" && password == "" {
		return a.anonymousLogin(deviceID)
	}
	if email == "" || password == "" {
		return Session{}, ErrCredentialsRequired
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || user.PasswordHash == "" || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return a.issue(user, deviceID)
}

func (a *App) anonymousLogin(deviceID string) (Session, error) {
	user, ok, err := a.store.GetUserByDeviceID(deviceID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if ok {
		if !user.IsAnonymous {
			return Session{}, ErrDeviceRegistered
		}
		return a.issue(user, deviceID)
	}
	now := a.now()
	user = domain.User{
		ID:          util.NewID(),
		DeviceID:    deviceID,
		IsAnonymous: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateUser(user); err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	return a.issue(user, deviceID)
}

// Register creates a credentialed account. An anonymous user already bound to
// the device is upgraded in place and keeps its data.
func (a *App) Register(deviceID, email, password, repeat string) (Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	email = normalizeEmail(email)
	if deviceID == "" {
		return Session{}, ErrDeviceIDRequired
	}
	if email == "" || !strings.Contains(email, "@") {
		return Session{}, validationf("valid email required")
	}
	if password != repeat {
		return Session{}, ErrPasswordMismatch
	}
	if err := auth.ValidatePassword(password); err != nil {
		return Session{}, kindError{ErrValidation, err.Error()}
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return Session{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return Session{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	now := a.now()
	user, ok, err := a.store.GetUserByDeviceID(deviceID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if ok && user.IsAnonymous {
		user.Email = email
		user.PasswordHash = hash
		user.IsAnonymous = false
		user.UpdatedAt = now
		if err := a.store.SaveUser(user); err != nil {
			if errors.Is(err, store.ErrEmailTaken) {
				return Session{}, ErrEmailAlreadyExists
			}
			return Session{}, fmt.Errorf("upgrade user: %w", err)
		}
		return a.issue(user, deviceID)
	}
	user = domain.User{
		ID:           util.NewID(),
		DeviceID:     deviceID,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Session{}, ErrEmailAlreadyExists
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	return a.issue(user, deviceID)
}

// Logout revokes the presented token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// WipeAccount revokes every session of the user and deletes the user with
// everything it owns.
func (a *App) WipeAccount(userID string) error {
	if _, err := a.requireUser(userID); err != nil {
		return err
	}
	if revoker, ok := a.sessions.(store.UserSessionRevoker); ok {
		if err := revoker.RevokeUserSessions(userID, a.now()); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
	}
	deleted, err := a.store.DeleteUser(userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return ErrUserNotFound
	}
	return nil
}

func (a *App) issue(user domain.User, deviceID string) (Session, error) {
	token, err := a.sessions.NewSession(user.ID, deviceID)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return Session{Token: token, UserID: user.ID, IsAnonymous: user.IsAnonymous}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

