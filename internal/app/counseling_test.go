package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rerhythm/pkg/ai"
	"rerhythm/pkg/domain"
)

func countDirectives(messages []domain.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == domain.RoleSystem && m.Content == StyleDirective {
			n++
		}
	}
	return n
}

func TestEnsureStyleDirective(t *testing.T) {
	legacy := []domain.Message{
		{Role: domain.RoleSystem, Content: "persona"},
		{Role: domain.RoleUser, Content: "context"},
		{Role: domain.RoleAssistant, Content: "reply"},
	}
	got := EnsureStyleDirective(legacy)
	if len(got) != 4 || got[1].Content != StyleDirective || got[1].Role != domain.RoleSystem {
		t.Fatalf("expected directive inserted at index 1, got %+v", got)
	}
	if got[0].Content != "persona" || got[2].Content != "context" || got[3].Content != "reply" {
		t.Fatalf("expected other messages to keep their order, got %+v", got)
	}
	if len(legacy) != 3 {
		t.Fatalf("input must not be modified")
	}

	again := EnsureStyleDirective(got)
	if len(again) != len(got) {
		t.Fatalf("expected idempotent normalization, got %d messages", len(again))
	}
	for i := range got {
		if again[i] != got[i] {
			t.Fatalf("message %d changed on second pass: %+v", i, again[i])
		}
	}

	dup := append(append([]domain.Message(nil), got...), domain.Message{Role: domain.RoleSystem, Content: StyleDirective})
	deduped := EnsureStyleDirective(dup)
	if countDirectives(deduped) != 1 || len(deduped) != 4 || deduped[1].Content != StyleDirective {
		t.Fatalf("expected duplicates removed keeping the first, got %+v", deduped)
	}

	// A user quoting the directive does not count as the directive.
	quoted := []domain.Message{{Role: domain.RoleSystem, Content: "persona"}, {Role: domain.RoleUser, Content: StyleDirective}}
	if got := EnsureStyleDirective(quoted); countDirectives(got) != 1 || len(got) != 3 {
		t.Fatalf("expected system directive inserted, got %+v", got)
	}
	if got := EnsureStyleDirective(nil); len(got) != 1 || got[0].Content != StyleDirective {
		t.Fatalf("expected directive for empty transcript, got %+v", got)
	}
}

func TestStartCounselingWithoutJournalsUsesWelcome(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	if _, err := env.app.CreateJournal(uid, "secret diary text", domain.ExpireManually); err != nil {
		t.Fatalf("journal: %v", err)
	}

	res, err := env.app.StartCounseling(context.Background(), uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ConversationID == "" || res.Counseling != "I hear you." {
		t.Fatalf("unexpected start result: %+v", res)
	}
	conv, ok, err := env.store.GetConversation(res.ConversationID)
	if err != nil || !ok {
		t.Fatalf("load conversation: ok=%v err=%v", ok, err)
	}
	if len(conv.Messages) != 4 {
		t.Fatalf("expected persona, directive, context, reply; got %+v", conv.Messages)
	}
	if conv.Messages[0].Role != domain.RoleSystem || conv.Messages[1].Content != StyleDirective {
		t.Fatalf("unexpected system prefix: %+v", conv.Messages[:2])
	}
	if conv.Messages[2].Content != welcomeContext || conv.Messages[3].Role != domain.RoleAssistant {
		t.Fatalf("expected welcome context, got %q", conv.Messages[2].Content)
	}
	for _, m := range conv.Messages {
		if strings.Contains(m.Content, "secret diary text") {
			t.Fatalf("journal text leaked into welcome transcript")
		}
	}
}

func TestStartCounselingUsesOnlySelectedJournals(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	ids := map[int]string{}
	for _, n := range []int{1, 3, 5, 7} {
		entry, err := env.app.CreateJournal(uid, "entry-"+string(rune('0'+n)), domain.ExpireManually)
		if err != nil {
			t.Fatalf("journal %d: %v", n, err)
		}
		ids[n] = entry.ID
	}

	if _, err := env.app.StartCounseling(context.Background(), uid, []string{ids[3], ids[7]}); err != nil {
		t.Fatalf("start: %v", err)
	}
	call := env.model.lastCall()
	if len(call) != 3 {
		t.Fatalf("expected 3 prompt messages, got %d", len(call))
	}
	prompt := call[2].Content
	if !strings.Contains(prompt, "entry-3") || !strings.Contains(prompt, "entry-7") {
		t.Fatalf("expected selected entries in context: %q", prompt)
	}
	if strings.Contains(prompt, "entry-1") || strings.Contains(prompt, "entry-5") {
		t.Fatalf("unselected entries leaked into context: %q", prompt)
	}
	if !strings.Contains(prompt, "entry-3"+journalSeparator+"entry-7") {
		t.Fatalf("expected entries joined in creation order: %q", prompt)
	}

	if _, err := env.app.StartCounseling(context.Background(), uid, []string{ids[3], "missing"}); !errors.Is(err, ErrJournalEntryNotFound) {
		t.Fatalf("expected missing entry to fail, got %v", err)
	}
	other := env.anonymousUser(t, "device-2")
	if _, err := env.app.StartCounseling(context.Background(), other, []string{ids[3]}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected another user's entry to be not found, got %v", err)
	}
	if _, err := env.app.StartCounseling(context.Background(), "nobody", nil); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected unknown user to fail, got %v", err)
	}
}

func TestStartCounselingFailureCreatesNoConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	entry, err := env.app.CreateJournal(uid, "long day", domain.ExpireManually)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	}
	if _, err := env.app.StartCounseling(ctx, uid, nil); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"counseling":"   "}`), nil
	}
	if _, err := env.app.StartCounseling(ctx, uid, []string{entry.ID}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected empty reply as upstream error, got %v", err)
	}
	convs, err := env.store.ListConversationsByUser(uid, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("expected no conversation after failed start, got %d", len(convs))
	}
}

func TestFollowUpKeepsSingleDirective(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	res, err := env.app.StartCounseling(ctx, uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	const turns = 5
	for i := 0; i < turns; i++ {
		if _, err := env.app.FollowUp(ctx, uid, res.ConversationID, "how do I cope?"); err != nil {
			t.Fatalf("follow-up %d: %v", i, err)
		}
		if n := countDirectives(env.model.lastTranscript()); n != 1 {
			t.Fatalf("follow-up %d sent %d directives to the model", i, n)
		}
	}
	conv, _, err := env.store.GetConversation(res.ConversationID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := countDirectives(conv.Messages); n != 1 {
		t.Fatalf("expected exactly one directive after %d follow-ups, got %d", turns, n)
	}
	if len(conv.Messages) != 4+2*turns {
		t.Fatalf("expected %d messages, got %d", 4+2*turns, len(conv.Messages))
	}

	visible, err := env.app.ConversationMessages(uid, res.ConversationID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for _, m := range visible {
		if m.Role == domain.RoleSystem {
			t.Fatalf("system message exposed in history")
		}
	}
	list, err := env.app.ListConversations(uid, 0)
	if err != nil || len(list) != 1 || list[0].ID != res.ConversationID {
		t.Fatalf("unexpected conversation list: %+v err=%v", list, err)
	}
}

func TestFollowUpRepairsLegacyTranscript(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	now := time.Now().UTC()
	legacy := domain.Conversation{
		ID:     "legacy",
		UserID: uid,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: counselorPrompt},
			{Role: domain.RoleUser, Content: "context"},
			{Role: domain.RoleAssistant, Content: "first reply"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.store.CreateConversation(legacy); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.app.FollowUp(context.Background(), uid, "legacy", "hi again"); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	conv, _, _ := env.store.GetConversation("legacy")
	if len(conv.Messages) != 6 || conv.Messages[1].Content != StyleDirective {
		t.Fatalf("expected directive at index 1, got %+v", conv.Messages)
	}
	if conv.Messages[4].Content != "hi again" || conv.Messages[5].Role != domain.RoleAssistant {
		t.Fatalf("unexpected tail: %+v", conv.Messages[4:])
	}
}

func TestFollowUpFailureLeavesTranscriptUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	res, err := env.app.StartCounseling(ctx, uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	before, _, _ := env.store.GetConversation(res.ConversationID)

	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	}
	if _, err := env.app.FollowUp(ctx, uid, res.ConversationID, "are you there?"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"wrong":"shape"}`), nil
	}
	if _, err := env.app.FollowUp(ctx, uid, res.ConversationID, "are you there?"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected schema mismatch as upstream error, got %v", err)
	}

	after, _, _ := env.store.GetConversation(res.ConversationID)
	if len(after.Messages) != len(before.Messages) || after.Version != before.Version {
		t.Fatalf("expected transcript unchanged, before=%d after=%d", len(before.Messages), len(after.Messages))
	}
}

func TestFollowUpValidationAndOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	other := env.anonymousUser(t, "device-2")
	res, err := env.app.StartCounseling(ctx, uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.app.FollowUp(ctx, uid, res.ConversationID, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty message rejected, got %v", err)
	}
	if _, err := env.app.FollowUp(ctx, uid, "missing", "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected missing conversation, got %v", err)
	}
	if _, err := env.app.FollowUp(ctx, other, res.ConversationID, "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected foreign conversation to be hidden, got %v", err)
	}
	if _, err := env.app.ConversationMessages(other, res.ConversationID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected foreign history to be hidden, got %v", err)
	}
}

func TestFollowUpStaleVersionIsBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	res, err := env.app.StartCounseling(ctx, uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// A writer outside the lock bumps the version while the model is answering.
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		conv, _, err := env.store.GetConversation(res.ConversationID)
		if err != nil {
			return nil, err
		}
		if _, err := env.store.UpdateConversationMessages(conv.ID, conv.Messages, conv.Version, time.Now()); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"counseling":"late"}`), nil
	}
	if _, err := env.app.FollowUp(ctx, uid, res.ConversationID, "hello"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy on stale version, got %v", err)
	}
}

func TestConcurrentFollowUpsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	uid := env.anonymousUser(t, "device-1")
	res, err := env.app.StartCounseling(ctx, uid, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`{"counseling":"ok"}`), nil
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.app.FollowUp(ctx, uid, res.ConversationID, "turn")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("follow-up: %v", err)
		}
	}
	conv, _, _ := env.store.GetConversation(res.ConversationID)
	if len(conv.Messages) != 4+2*workers {
		t.Fatalf("expected every turn persisted, got %d messages", len(conv.Messages))
	}
	for i := 4; i < len(conv.Messages); i += 2 {
		if conv.Messages[i].Role != domain.RoleUser || conv.Messages[i+1].Role != domain.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %+v", i, conv.Messages[i:i+2])
		}
	}
	if countDirectives(conv.Messages) != 1 {
		t.Fatalf("expected one directive")
	}
}

func (m *fakeModel) lastTranscript() []domain.Message {
	call := m.lastCall()
	out := make([]domain.Message, 0, len(call))
	for _, c := range call {
		out = append(out, domain.Message{Role: c.Role, Content: c.Content})
	}
	return out
}
