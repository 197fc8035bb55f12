package app

import (
	"fmt"
	"strings"
	"time"

	"rerhythm/internal/util"
	"rerhythm/pkg/domain"
)

// JournalView is the history representation of an entry.
type JournalView struct {
	ID        string     `json:"id"`
	Date      time.Time  `json:"date"`
	Journal   string     `json:"journal"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateJournal stores an entry whose expiry follows from its expiration type.
func (a *App) CreateJournal(userID, text string, expiration domain.ExpirationType) (domain.JournalEntry, error) {
	if strings.TrimSpace(text) == "" {
		return domain.JournalEntry{}, ErrJournalRequired
	}
	if _, err := a.requireUser(userID); err != nil {
		return domain.JournalEntry{}, err
	}
	now := a.now()
	expiresAt, ok := expiration.ExpiresAt(now)
	if !ok {
		valid := make([]string, 0, len(domain.ExpirationTypes))
		for _, e := range domain.ExpirationTypes {
			valid = append(valid, string(e))
		}
		return domain.JournalEntry{}, validationf("Invalid expiration_type. Must be one of: %s", strings.Join(valid, ", "))
	}
	entry := domain.JournalEntry{
		ID:         util.NewID(),
		UserID:     userID,
		Text:       text,
		Expiration: expiration,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}
	if err := a.store.CreateJournalEntry(entry); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("save journal entry: %w", err)
	}
	return entry, nil
}

// JournalHistory deletes the user's expired entries and returns the rest,
// newest first.
func (a *App) JournalHistory(userID string) ([]JournalView, error) {
	if _, err := a.requireUser(userID); err != nil {
		return nil, err
	}
	entries, err := a.store.ListActiveJournalEntries(userID, a.now())
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	out := make([]JournalView, 0, len(entries))
	for _, e := range entries {
		out = append(out, JournalView{ID: e.ID, Date: e.CreatedAt, Journal: e.Text, ExpiresAt: e.ExpiresAt})
	}
	return out, nil
}

// DeleteJournal removes one of the user's entries.
func (a *App) DeleteJournal(userID, entryID string) error {
	entry, ok, err := a.store.GetJournalEntry(entryID)
	if err != nil {
		return fmt.Errorf("load journal entry: %w", err)
	}
	// Expired entries are already gone from the user's view; the next
	// history read purges them.
	if !ok || entry.UserID != userID || entry.Expired(a.now()) {
		return ErrJournalEntryNotFound
	}
	if err := a.store.DeleteJournalEntry(entry.ID); err != nil {
		return fmt.Errorf("delete journal entry: %w", err)
	}
	return nil
}
