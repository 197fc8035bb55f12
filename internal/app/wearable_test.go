package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"rerhythm/pkg/ai"
	"rerhythm/pkg/domain"
)

func TestSummarizeWearablesIsolatesBadRecords(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	base := time.Now().UTC().Add(-time.Hour)
	malformed := "not json " + strings.Repeat("x", 200)
	// Stored oldest first; listed newest first, so the malformed one is second.
	payloads := []string{`{"steps":1000}`, malformed, `{"steps":3000}`}
	for i, p := range payloads {
		snap := domain.WearableSnapshot{ID: "w" + string(rune('1'+i)), UserID: uid, Payload: p, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := env.store.CreateWearableSnapshot(snap); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}
	env.model.respond = func(messages []ai.Message, schema ai.Schema) (json.RawMessage, error) {
		if strings.Contains(messages[1].Content, "3000") {
			return json.RawMessage(`{"summary":"You walked 3000 steps."}`), nil
		}
		return json.RawMessage(`{"summary":"You walked 1000 steps."}`), nil
	}

	got, err := env.app.SummarizeWearables(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(got))
	}
	if got[0].Summary != "You walked 3000 steps." || got[2].Summary != "You walked 1000 steps." {
		t.Fatalf("expected newest first, got %+v", got)
	}
	want := wearableRecordedPrefix + malformed[:rawPreviewLen] + "..."
	if got[1].Summary != want {
		t.Fatalf("unexpected fallback: %q", got[1].Summary)
	}
	if !got[0].Date.After(got[1].Date) || !got[1].Date.After(got[2].Date) {
		t.Fatalf("expected descending dates: %+v", got)
	}
	if env.model.callCount() != 2 {
		t.Fatalf("malformed record must not reach the model, got %d calls", env.model.callCount())
	}

	limited, err := env.app.SummarizeWearables(context.Background(), uid, 1)
	if err != nil || len(limited) != 1 || limited[0].Summary != "You walked 3000 steps." {
		t.Fatalf("unexpected limited result: %+v err=%v", limited, err)
	}
}

func TestSummarizeWearablesModelFailures(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	base := time.Now().UTC().Add(-time.Hour)
	for i, p := range []string{`{"hr":60}`, `{"hr":70}`} {
		snap := domain.WearableSnapshot{ID: "w" + string(rune('1'+i)), UserID: uid, Payload: p, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := env.store.CreateWearableSnapshot(snap); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}
	env.model.respond = func(messages []ai.Message, schema ai.Schema) (json.RawMessage, error) {
		if strings.Contains(messages[1].Content, "70") {
			return nil, errors.New("boom")
		}
		return json.RawMessage(`{"summary":"  "}`), nil
	}
	got, err := env.app.SummarizeWearables(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(got) != 2 || got[0].Summary != summaryFailureText || got[1].Summary != noSummaryText {
		t.Fatalf("unexpected summaries: %+v", got)
	}
}

func TestWearableSaveAndCheck(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	check, err := env.app.CheckWearable(uid)
	if err != nil || check.Success || check.CreatedAt != nil {
		t.Fatalf("expected no data yet: %+v err=%v", check, err)
	}
	if err := env.app.SaveWearable(uid, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty payload rejected, got %v", err)
	}
	if err := env.app.SaveWearable(uid, `{"steps":42}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	check, err = env.app.CheckWearable(uid)
	if err != nil || !check.Success || check.CreatedAt == nil {
		t.Fatalf("expected latest snapshot: %+v err=%v", check, err)
	}
	if check.Data["steps"] != float64(42) {
		t.Fatalf("expected parsed data, got %v", check.Data)
	}
	if err := env.app.SaveWearable(uid, "raw text"); err != nil {
		t.Fatalf("save raw: %v", err)
	}
	check, _ = env.app.CheckWearable(uid)
	if !check.Success || check.Data != nil {
		t.Fatalf("expected no data for non-JSON payload: %+v", check)
	}
}
