package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string  `gorm:"primaryKey"`
	DeviceID     string  `gorm:"not null;index"`
	Email        *string `gorm:"uniqueIndex"`
	PasswordHash string
	IsAnonymous  bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type CheckInModel struct {
	ID                         string `gorm:"primaryKey"`
	UserID                     string `gorm:"not null;index"`
	Input                      string `gorm:"type:text"`
	SanitizedText              string `gorm:"type:text"`
	RecommendedInterventionIDs string
	Reasoning                  string    `gorm:"type:text"`
	CreatedAt                  time.Time `gorm:"not null;index"`
}

func (CheckInModel) TableName() string { return "check_ins" }

type WearableSnapshotModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (WearableSnapshotModel) TableName() string { return "wearable_snapshots" }

type JournalEntryModel struct {
	ID         string     `gorm:"primaryKey"`
	UserID     string     `gorm:"not null;index"`
	Text       string     `gorm:"type:text;not null"`
	Expiration string     `gorm:"not null"`
	ExpiresAt  *time.Time `gorm:"index"`
	CreatedAt  time.Time  `gorm:"not null;index"`
}

func (JournalEntryModel) TableName() string { return "journal_entries" }

type InterventionCompletionModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;uniqueIndex:idx_completion_user_intervention"`
	InterventionID  string `gorm:"not null;uniqueIndex:idx_completion_user_intervention"`
	TimesCompleted  int    `gorm:"not null"`
	LastCompletedAt *time.Time
}

func (InterventionCompletionModel) TableName() string { return "intervention_completions" }

type ConversationModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"not null;index"`
	Messages  datatypes.JSON `gorm:"not null"`
	Version   int            `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null;index"`
}

func (ConversationModel) TableName() string { return "conversations" }
