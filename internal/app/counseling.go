package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rerhythm/internal/keylock"
	"rerhythm/internal/util"
	"rerhythm/pkg/domain"
	"rerhythm/pkg/store"
)

// CounselingStart is the result of opening a counseling session.
type CounselingStart struct {
	ConversationID string `json:"conversation_id"`
	Counseling     string `json:"counseling"`
}

// StartCounseling opens a conversation. With journal ids only those entries
// are used as context; without ids the session opens in general-support mode
// and no journal is read.
func (a *App) StartCounseling(ctx context.Context, userID string, journalIDs []string) (CounselingStart, error) {
	if _, err := a.requireUser(userID); err != nil {
		return CounselingStart{}, err
	}
	ids := uniqueTrimmed(journalIDs)
	var journals []domain.JournalEntry
	if len(ids) > 0 {
		var err error
		journals, err = a.store.GetActiveJournalEntries(userID, ids, a.now())
		if err != nil {
			return CounselingStart{}, fmt.Errorf("load journals: %w", err)
		}
		if len(journals) != len(ids) {
			return CounselingStart{}, ErrJournalEntryNotFound
		}
	}

	messages := openingTranscript(journals)
	reply, err := a.counsel(ctx, messages)
	if err != nil {
		return CounselingStart{}, err
	}
	messages = append(messages, domain.Message{Role: domain.RoleAssistant, Content: reply})

	now := a.now()
	conv := domain.Conversation{
		ID:        util.NewID(),
		UserID:    userID,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return CounselingStart{}, fmt.Errorf("save conversation: %w", err)
	}
	return CounselingStart{ConversationID: conv.ID, Counseling: reply}, nil
}

// FollowUp appends a user turn and the model's reply to a conversation.
// Follow-ups on one conversation are serialized; the stored transcript is
// written only after the model answered.
func (a *App) FollowUp(ctx context.Context, userID, conversationID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrMessageRequired
	}
	release, err := a.locker.Acquire(ctx, "conversation:"+conversationID, a.lockWait)
	if err != nil {
		if errors.Is(err, keylock.ErrTimeout) {
			return "", ErrConversationBusy
		}
		return "", fmt.Errorf("lock conversation: %w", err)
	}
	defer release()

	conv, err := a.ownedConversation(userID, conversationID)
	if err != nil {
		return "", err
	}
	messages := EnsureStyleDirective(conv.Messages)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: text})
	reply, err := a.counsel(ctx, messages)
	if err != nil {
		return "", err
	}
	messages = append(messages, domain.Message{Role: domain.RoleAssistant, Content: reply})

	if _, err := a.store.UpdateConversationMessages(conv.ID, messages, conv.Version, a.now()); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return "", ErrConversationBusy
		}
		return "", fmt.Errorf("save conversation: %w", err)
	}
	return reply, nil
}

// ConversationMessages returns the visible turns of a conversation.
func (a *App) ConversationMessages(userID, conversationID string) ([]domain.Message, error) {
	conv, err := a.ownedConversation(userID, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListConversations returns the user's conversations, most recently updated first.
func (a *App) ListConversations(userID string, limit int) ([]ConversationSummary, error) {
	if _, err := a.requireUser(userID); err != nil {
		return nil, err
	}
	convs, err := a.store.ListConversationsByUser(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		visible := 0
		for _, m := range c.Messages {
			if m.Role != domain.RoleSystem {
				visible++
			}
		}
		out = append(out, ConversationSummary{
			ID:           c.ID,
			MessageCount: visible,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	return out, nil
}

func (a *App) ownedConversation(userID, conversationID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	// Another user's conversation is reported as missing.
	if !ok || conv.UserID != userID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (a *App) counsel(ctx context.Context, messages []domain.Message) (string, error) {
	var reply counselingReply
	if err := a.structured(ctx, "counseling", messages, counselingSchema, &reply); err != nil {
		return "", err
	}
	text := strings.TrimSpace(reply.Counseling)
	if text == "" {
		return "", ErrEmptyModelResponse
	}
	return text, nil
}

func uniqueTrimmed(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
