package app

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"rerhythm/pkg/ai"
	"rerhythm/pkg/catalog"
)

func TestScrubIDs(t *testing.T) {
	cases := []struct {
		in   string
		ids  []string
		want string
	}{
		{"Try 3 and 7 today.", []string{"3", "7"}, "Try and today."},
		{"Intervention ID 12 helps, unlike 123.", []string{"12"}, "helps, unlike 123."},
		{"Use id #3 for calm.", []string{"3"}, "Use for calm."},
		{"Try ID3 for calm.", []string{"3"}, "Try for calm."},
		{"Use intervention_3 today.", []string{"3"}, "Use today."},
		{"Use intervention-7 or IDs: 3 tonight.", []string{"3", "7"}, "Use or tonight."},
		{"Options (3) and [7].", []string{"3", "7"}, "Options and."},
		{"id:3, id 7. Both calm you.", []string{"3", "7"}, "Both calm you."},
		{"Avoid 3 late meals.", []string{"3"}, "Avoid late meals."},
		{"Take 13 breaths.", []string{"3"}, "Take 13 breaths."},
		{"Breathing works in 30 seconds.", []string{"3"}, "Breathing works in 30 seconds."},
		{"no ids here", nil, "no ids here"},
	}
	for _, tc := range cases {
		if got := scrubIDs(tc.in, tc.ids); got != tc.want {
			t.Fatalf("scrubIDs(%q, %v) = %q, want %q", tc.in, tc.ids, got, tc.want)
		}
	}
}

func TestNormalizeRecommendations(t *testing.T) {
	items := []catalog.Intervention{{ID: 3}, {ID: 7}, {ID: 12}, {ID: 123}}
	got := normalizeRecommendations([]string{" 7 ", "99", "7", "3", "12", "123"}, items)
	if strings.Join(got, ",") != "7,3,12" {
		t.Fatalf("unexpected normalized ids: %v", got)
	}
	if got := normalizeRecommendations([]string{"99", ""}, nil); strings.Join(got, ",") != "99" {
		t.Fatalf("empty catalog must not filter ids, got %v", got)
	}
}

func TestAnalyzeCheckInStoresNormalizedResult(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	if err := env.app.SaveWearable(uid, `{"sleep_hours":4}`); err != nil {
		t.Fatalf("wearable: %v", err)
	}
	env.model.respond = func(messages []ai.Message, schema ai.Schema) (json.RawMessage, error) {
		if schema.Name != "check_in_analysis" {
			t.Errorf("unexpected schema %s", schema.Name)
		}
		return json.RawMessage(`{
			"sanitized_text": "Feeling overwhelmed after a long shift.",
			"recommended_intervention_ids": ["3", "3", "999", "7", "12", "123"],
			"ai_reasoning": "Intervention 3 calms acute stress and ID 7 releases tension; 12 lifts mood."
		}`), nil
	}

	res, err := env.app.AnalyzeCheckIn(context.Background(), uid, "Anna here, overwhelmed after my shift in Boston", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.RecommendedInterventionIDs != "3,7,12" {
		t.Fatalf("unexpected ids: %q", res.RecommendedInterventionIDs)
	}
	for _, id := range strings.Split(res.RecommendedInterventionIDs, ",") {
		if regexp.MustCompile(`\b` + id + `\b`).MatchString(res.Reasoning) {
			t.Fatalf("reasoning still mentions id %s: %q", id, res.Reasoning)
		}
	}

	prompt := env.model.lastCall()
	if len(prompt) != 2 || prompt[0].Role != "system" {
		t.Fatalf("unexpected prompt shape: %+v", prompt)
	}
	if !strings.Contains(prompt[1].Content, `Wearable data: {"sleep_hours":4}`) {
		t.Fatalf("expected latest snapshot in prompt: %q", prompt[1].Content)
	}
	if !strings.Contains(prompt[1].Content, `"trigger_case": "acute stress"`) || strings.Contains(prompt[1].Content, "Inhale 4s") {
		t.Fatalf("expected brief catalog projection only: %q", prompt[1].Content)
	}

	history, err := env.app.CheckInHistory(uid, 0)
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %+v err=%v", history, err)
	}
	if history[0].RecommendedInterventionIDs != "3,7,12" || history[0].Reasoning != res.Reasoning {
		t.Fatalf("stored check-in differs from response: %+v", history[0])
	}
	if history[0].Input != "Anna here, overwhelmed after my shift in Boston" {
		t.Fatalf("expected raw input stored, got %q", history[0].Input)
	}
}

func TestAnalyzeCheckInInlineWearableOverridesStored(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	if err := env.app.SaveWearable(uid, `{"stored":true}`); err != nil {
		t.Fatalf("wearable: %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"sanitized_text":"ok","recommended_intervention_ids":["7"],"ai_reasoning":"rest"}`), nil
	}
	if _, err := env.app.AnalyzeCheckIn(context.Background(), uid, "fine", `{"inline":true}`); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	msg := env.model.lastCall()[1].Content
	if !strings.Contains(msg, `{"inline":true}`) || strings.Contains(msg, `"stored"`) {
		t.Fatalf("expected inline wearable data to win: %q", msg)
	}
	snaps, _ := env.store.ListWearableSnapshots(uid, 0)
	if len(snaps) != 1 {
		t.Fatalf("inline data must not be persisted, got %d snapshots", len(snaps))
	}
}

func TestAnalyzeCheckInFailuresWriteNothing(t *testing.T) {
	env := newTestEnv(t)
	uid := env.anonymousUser(t, "device-1")
	ctx := context.Background()

	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return nil, errors.New("rate limited")
	}
	if _, err := env.app.AnalyzeCheckIn(ctx, uid, "hello", ""); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	env.model.respond = func([]ai.Message, ai.Schema) (json.RawMessage, error) {
		return json.RawMessage(`{"sanitized_text":"x","recommended_intervention_ids":["404"],"ai_reasoning":"r"}`), nil
	}
	if _, err := env.app.AnalyzeCheckIn(ctx, uid, "hello", ""); !errors.Is(err, ErrNoValidInterventions) {
		t.Fatalf("expected unknown ids to be rejected, got %v", err)
	}
	if items, _ := env.store.ListCheckIns(uid, 0); len(items) != 0 {
		t.Fatalf("expected no check-ins after failures, got %d", len(items))
	}

	if _, err := env.app.AnalyzeCheckIn(ctx, uid, "  ", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty check-in rejected, got %v", err)
	}
	if _, err := env.app.AnalyzeCheckIn(ctx, "nobody", "hello", ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}
