package store

import (
	"errors"
	"time"

	"rerhythm/pkg/domain"
)

// ErrVersionConflict is returned when a conversation was modified since it was read.
var ErrVersionConflict = errors.New("conversation version conflict")

// ErrEmailTaken is returned when a user write collides with another user's email.
var ErrEmailTaken = errors.New("email already in use")

// Store defines persistence operations for users and everything they own.
type Store interface {
	// users
	CreateUser(domain.User) error
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByDeviceID(deviceID string) (domain.User, bool, error)
	DeleteUser(id string) (bool, error)

	// check-ins
	CreateCheckIn(domain.CheckIn) error
	ListCheckIns(userID string, limit int) ([]domain.CheckIn, error)

	// wearables
	CreateWearableSnapshot(domain.WearableSnapshot) error
	LatestWearableSnapshot(userID string) (domain.WearableSnapshot, bool, error)
	ListWearableSnapshots(userID string, limit int) ([]domain.WearableSnapshot, error)

	// journals
	CreateJournalEntry(domain.JournalEntry) error
	ListActiveJournalEntries(userID string, now time.Time) ([]domain.JournalEntry, error)
	GetActiveJournalEntries(userID string, ids []string, now time.Time) ([]domain.JournalEntry, error)
	GetJournalEntry(id string) (domain.JournalEntry, bool, error)
	DeleteJournalEntry(id string) error

	// intervention completions
	RecordInterventionCompletion(userID, interventionID string, at time.Time) (domain.InterventionCompletion, error)
	ListInterventionCompletions(userID string) ([]domain.InterventionCompletion, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	UpdateConversationMessages(id string, messages []domain.Message, expectedVersion int, at time.Time) (int, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID, deviceID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
