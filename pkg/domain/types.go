package domain

import "time"

// Message roles accepted by the counseling transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ExpirationType controls when a journal entry is removed.
type ExpirationType string

const (
	ExpireSevenDays  ExpirationType = "7_days"
	ExpireThirtyDays ExpirationType = "30_days"
	ExpireManually   ExpirationType = "delete_manually"
)

// ExpirationTypes lists accepted journal expiration policies in display order.
var ExpirationTypes = []ExpirationType{ExpireSevenDays, ExpireThirtyDays, ExpireManually}

// ExpiresAt returns the expiry computed from createdAt, or nil when the entry
// never expires. ok is false for unknown policies.
func (e ExpirationType) ExpiresAt(createdAt time.Time) (expiresAt *time.Time, ok bool) {
	switch e {
	case ExpireSevenDays:
		t := createdAt.Add(7 * 24 * time.Hour)
		return &t, true
	case ExpireThirtyDays:
		t := createdAt.Add(30 * 24 * time.Hour)
		return &t, true
	case ExpireManually:
		return nil, true
	default:
		return nil, false
	}
}

type User struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	IsAnonymous  bool      `json:"is_anonymous"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CheckIn struct {
	ID                         string    `json:"id"`
	UserID                     string    `json:"user_id"`
	Input                      string    `json:"check_in_data"`
	SanitizedText              string    `json:"sanitized_text"`
	RecommendedInterventionIDs string    `json:"recommended_intervention_ids"`
	Reasoning                  string    `json:"ai_reasoning"`
	CreatedAt                  time.Time `json:"created_at"`
}

// WearableSnapshot is one device report. Payload is stored verbatim and is not
// required to be valid JSON.
type WearableSnapshot struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type JournalEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Text       string         `json:"journal"`
	Expiration ExpirationType `json:"expiration_type"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (j JournalEntry) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

type InterventionCompletion struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	InterventionID  string     `json:"intervention_id"`
	TimesCompleted  int        `json:"times_completed"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is a counseling transcript. Messages form the literal model
// input and are persisted in order, system entries included.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	Version   int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WearableSummary pairs a snapshot timestamp with its natural-language summary.
type WearableSummary struct {
	Date    time.Time `json:"date"`
	Summary string    `json:"wearable_data_summary"`
}
