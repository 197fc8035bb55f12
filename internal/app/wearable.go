package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"rerhythm/internal/util"
	"rerhythm/pkg/ai"
	"rerhythm/pkg/domain"
)

const (
	wearableSummaryPrompt = "You are a helpful assistant that summarizes health and wearable data in a clear, concise manner."
	wearableSummaryTask   = `Summarize the following wearable data in a concise, user-friendly format (2-3 sentences max):

%s

Focus on key metrics like steps, heart rate, sleep, and any notable patterns or concerns.`

	rawPreviewLen          = 100
	noSummaryText          = "No summary available"
	summaryFailureText     = "Error processing this wearable data record"
	wearableRecordedPrefix = "Wearable data recorded: "
)

var wearableSummarySchema = ai.ObjectSchema("wearable_summary", map[string]any{
	"summary": ai.StringProp("A 2-3 sentence summary of the wearable data."),
}, "summary")

type wearableSummaryReply struct {
	Summary string `json:"summary"`
}

// SaveWearable stores a raw device report. The payload is kept verbatim.
func (a *App) SaveWearable(userID, payload string) error {
	if strings.TrimSpace(payload) == "" {
		return ErrWearableDataRequired
	}
	if _, err := a.requireUser(userID); err != nil {
		return err
	}
	snap := domain.WearableSnapshot{
		ID:        util.NewID(),
		UserID:    userID,
		Payload:   payload,
		CreatedAt: a.now(),
	}
	if err := a.store.CreateWearableSnapshot(snap); err != nil {
		return fmt.Errorf("save wearable snapshot: %w", err)
	}
	return nil
}

// WearableCheck reports whether the user has any snapshot and, when the latest
// one is a JSON object, its decoded contents.
type WearableCheck struct {
	Success   bool           `json:"success"`
	CreatedAt *time.Time     `json:"created_at"`
	Data      map[string]any `json:"data"`
}

func (a *App) CheckWearable(userID string) (WearableCheck, error) {
	if _, err := a.requireUser(userID); err != nil {
		return WearableCheck{}, err
	}
	latest, ok, err := a.store.LatestWearableSnapshot(userID)
	if err != nil {
		return WearableCheck{}, fmt.Errorf("load wearable snapshot: %w", err)
	}
	if !ok {
		return WearableCheck{Success: false}, nil
	}
	check := WearableCheck{Success: true, CreatedAt: &latest.CreatedAt}
	var data map[string]any
	if err := json.Unmarshal([]byte(latest.Payload), &data); err == nil {
		check.Data = data
	}
	return check, nil
}

// SummarizeWearables returns one summary per stored snapshot, newest first.
// Records are summarized concurrently; a failed record yields a fallback text
// instead of failing the batch.
func (a *App) SummarizeWearables(ctx context.Context, userID string, limit int) ([]domain.WearableSummary, error) {
	if _, err := a.requireUser(userID); err != nil {
		return nil, err
	}
	snaps, err := a.store.ListWearableSnapshots(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list wearable snapshots: %w", err)
	}
	out := make([]domain.WearableSummary, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.summaryConcurrency)
	for i, snap := range snaps {
		g.Go(func() error {
			out[i] = domain.WearableSummary{Date: snap.CreatedAt, Summary: a.summarizeSnapshot(gctx, snap)}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (a *App) summarizeSnapshot(ctx context.Context, snap domain.WearableSnapshot) string {
	var parsed any
	if err := json.Unmarshal([]byte(snap.Payload), &parsed); err != nil {
		return wearableRecordedPrefix + previewRunes(snap.Payload, rawPreviewLen) + "..."
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		pretty = []byte(snap.Payload)
	}
	var reply wearableSummaryReply
	err = a.structured(ctx, "wearable summary", []domain.Message{
		{Role: domain.RoleSystem, Content: wearableSummaryPrompt},
		{Role: domain.RoleUser, Content: fmt.Sprintf(wearableSummaryTask, pretty)},
	}, wearableSummarySchema, &reply)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("wearable summary failed", "snapshot_id", snap.ID, "err", err)
		return summaryFailureText
	}
	summary := strings.TrimSpace(reply.Summary)
	if summary == "" {
		return noSummaryText
	}
	return summary
}

func previewRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
