package app

import (
	"fmt"
	"strings"
	"time"

	"rerhythm/pkg/catalog"
)

// LibraryItem is a catalog entry annotated with the caller's completion history.
type LibraryItem struct {
	catalog.Intervention
	TimesCompleted *int       `json:"times_completed"`
	LastCompleted  *time.Time `json:"last_completed"`
}

// LibraryQuery filters the intervention list. Empty fields match everything.
type LibraryQuery struct {
	IDs     []string
	Query   string
	Context string
	// UserID, when set, annotates items with that user's completions.
	UserID string
}

// ListInterventions returns catalog entries matching q in catalog order.
func (a *App) ListInterventions(q LibraryQuery) ([]LibraryItem, error) {
	items, err := a.catalog.All()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if ids := uniqueTrimmed(q.IDs); len(ids) > 0 {
		items = catalog.ByIDs(items, ids)
	}
	items = catalog.Search(items, q.Query, q.Context)

	type completion struct {
		times int
		last  *time.Time
	}
	done := map[string]completion{}
	if q.UserID != "" {
		if _, err := a.requireUser(q.UserID); err != nil {
			return nil, err
		}
		records, err := a.store.ListInterventionCompletions(q.UserID)
		if err != nil {
			return nil, fmt.Errorf("list completions: %w", err)
		}
		for _, r := range records {
			done[r.InterventionID] = completion{times: r.TimesCompleted, last: r.LastCompletedAt}
		}
	}

	out := make([]LibraryItem, 0, len(items))
	for _, item := range items {
		li := LibraryItem{Intervention: item}
		if c, ok := done[item.Key()]; ok {
			times := c.times
			li.TimesCompleted = &times
			li.LastCompleted = c.last
		}
		out = append(out, li)
	}
	return out, nil
}

// InterventionDetail returns the detail view of one catalog entry.
func (a *App) InterventionDetail(id string) (catalog.Detail, error) {
	item, ok, err := a.catalog.Lookup(id)
	if err != nil {
		return catalog.Detail{}, fmt.Errorf("load catalog: %w", err)
	}
	if !ok {
		return catalog.Detail{}, ErrInterventionNotFound
	}
	return item.Detail(), nil
}

// CompleteIntervention records one more completion of an intervention. Ids are
// checked against the catalog only when the catalog has entries.
func (a *App) CompleteIntervention(userID, interventionID string) error {
	interventionID = strings.TrimSpace(interventionID)
	if interventionID == "" {
		return ErrInterventionIDInvalid
	}
	if _, err := a.requireUser(userID); err != nil {
		return err
	}
	items, err := a.catalog.All()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(items) > 0 && len(catalog.ByIDs(items, []string{interventionID})) == 0 {
		return ErrInterventionNotFound
	}
	if _, err := a.store.RecordInterventionCompletion(userID, interventionID, a.now()); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}
