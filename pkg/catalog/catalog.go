// Package catalog loads the static intervention library.
//
// The library is a JSON array on disk. It is read on every access so edits
// to the file take effect without a restart.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Intervention is one catalog entry as stored in the library file.
type Intervention struct {
	ID            int             `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	TriggerCase   string          `json:"trigger_case,omitempty"`
	Context       string          `json:"context,omitempty"`
	Modality      string          `json:"modality,omitempty"`
	DurationMin   float64         `json:"duration_min,omitempty"`
	GoalTags      []string        `json:"goal_tags,omitempty"`
	Steps         []string        `json:"steps,omitempty"`
	TargetOutcome string          `json:"target_outcome,omitempty"`
	StressRange   json.RawMessage `json:"stress_range,omitempty"`
}

// Key is the string form of the id used by check-ins and completions.
func (i Intervention) Key() string {
	return strconv.Itoa(i.ID)
}

// Brief is the projection sent to the model during check-in analysis.
type Brief struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	TriggerCase string `json:"trigger_case"`
}

func (i Intervention) Brief() Brief {
	return Brief{ID: i.Key(), Name: i.Name, Category: i.Category, TriggerCase: i.TriggerCase}
}

// Detail is the single-intervention view with numbered instructions.
type Detail struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	FullInstructions string          `json:"full_instructions"`
	TargetOutcome    string          `json:"target_outcome,omitempty"`
	DurationMin      float64         `json:"duration_min,omitempty"`
	Context          string          `json:"context,omitempty"`
	Modality         string          `json:"modality,omitempty"`
	StressRange      json.RawMessage `json:"stress_range,omitempty"`
	GoalTags         []string        `json:"goal_tags"`
}

func (i Intervention) Detail() Detail {
	lines := make([]string, 0, len(i.Steps))
	for n, step := range i.Steps {
		lines = append(lines, fmt.Sprintf("%d. %s", n+1, step))
	}
	tags := i.GoalTags
	if tags == nil {
		tags = []string{}
	}
	return Detail{
		ID:               i.Key(),
		Title:            i.Name,
		FullInstructions: strings.Join(lines, "\n"),
		TargetOutcome:    i.TargetOutcome,
		DurationMin:      i.DurationMin,
		Context:          i.Context,
		Modality:         i.Modality,
		StressRange:      i.StressRange,
		GoalTags:         tags,
	}
}

// Catalog reads interventions from a JSON file.
type Catalog struct {
	path string
}

func New(path string) *Catalog {
	return &Catalog{path: strings.TrimSpace(path)}
}

// All returns every intervention. A missing file yields an empty catalog.
func (c *Catalog) All() ([]Intervention, error) {
	if c == nil || c.path == "" {
		return []Intervention{}, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Intervention{}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var items []Intervention
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	if items == nil {
		items = []Intervention{}
	}
	return items, nil
}

// Lookup finds an intervention by its string id.
func (c *Catalog) Lookup(id string) (Intervention, bool, error) {
	items, err := c.All()
	if err != nil {
		return Intervention{}, false, err
	}
	id = strings.TrimSpace(id)
	for _, item := range items {
		if item.Key() == id {
			return item, true, nil
		}
	}
	return Intervention{}, false, nil
}

// ByIDs keeps catalog order and drops ids that are not in the catalog.
func ByIDs(items []Intervention, ids []string) []Intervention {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[strings.TrimSpace(id)] = struct{}{}
	}
	out := make([]Intervention, 0, len(ids))
	for _, item := range items {
		if _, ok := want[item.Key()]; ok {
			out = append(out, item)
		}
	}
	return out
}

// Search filters by context substring, then by query against name and trigger case.
// Both matches are case-insensitive; empty filters match everything.
func Search(items []Intervention, query, context string) []Intervention {
	query = strings.ToLower(strings.TrimSpace(query))
	context = strings.ToLower(strings.TrimSpace(context))
	out := make([]Intervention, 0, len(items))
	for _, item := range items {
		if context != "" && !strings.Contains(strings.ToLower(item.Context), context) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(item.Name), query) &&
			!strings.Contains(strings.ToLower(item.TriggerCase), query) {
			continue
		}
		out = append(out, item)
	}
	return out
}
