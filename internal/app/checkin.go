package app

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"rerhythm/internal/util"
	"rerhythm/pkg/ai"
	"rerhythm/pkg/catalog"
	"rerhythm/pkg/domain"
)

const maxRecommendations = 3

const checkInPrompt = `You are an AI assistant helping with mental health interventions for medical professionals.

Your task is to:
1. MANDATORY: Remove all sensitive data (names, dates, specific locations, identifying information) from the user's check-in.
2. Analyze the check-in data and wearable data (if provided) to understand the user's mental state.
3. Select the 1-3 most relevant intervention IDs from the provided intervention library based on the user's needs.
4. Provide clear reasoning for your recommendations.

You must respond with a JSON object containing:
- sanitized_text: The check-in text with all sensitive data removed (MANDATORY)
- recommended_intervention_ids: Array of intervention IDs (as strings)
- ai_reasoning: Brief (1-3) rows explanation of why these interventions were selected (never add ids here)

Be concise, empathetic, and focus on practical recommendations.

### Never share ids in the ai_reasoning field! Only share them in the recommended_intervention_ids field.`

var checkInSchema = ai.ObjectSchema("check_in_analysis", map[string]any{
	"sanitized_text":               ai.StringProp("The check-in text with all sensitive data removed"),
	"recommended_intervention_ids": ai.StringArrayProp("Array of recommended intervention IDs"),
	"ai_reasoning":                 ai.StringProp("Brief explanation for the recommendations"),
}, "sanitized_text", "recommended_intervention_ids", "ai_reasoning")

type checkInAnalysis struct {
	SanitizedText string   `json:"sanitized_text"`
	IDs           []string `json:"recommended_intervention_ids"`
	Reasoning     string   `json:"ai_reasoning"`
}

// CheckInResult is returned to the client after analysis.
type CheckInResult struct {
	SanitizedText              string `json:"sanitized_text"`
	RecommendedInterventionIDs string `json:"recommended_intervention_ids"`
	Reasoning                  string `json:"ai_reasoning"`
}

// AnalyzeCheckIn sanitizes a check-in, recommends interventions and stores
// the result. Inline wearable data takes precedence over the latest stored
// snapshot and is not persisted.
func (a *App) AnalyzeCheckIn(ctx context.Context, userID, text, inlineWearable string) (CheckInResult, error) {
	if strings.TrimSpace(text) == "" {
		return CheckInResult{}, ErrCheckInRequired
	}
	if _, err := a.requireUser(userID); err != nil {
		return CheckInResult{}, err
	}
	wearable := strings.TrimSpace(inlineWearable)
	if wearable == "" {
		latest, ok, err := a.store.LatestWearableSnapshot(userID)
		if err != nil {
			return CheckInResult{}, fmt.Errorf("load wearable snapshot: %w", err)
		}
		if ok {
			wearable = latest.Payload
		}
	}
	items, err := a.catalog.All()
	if err != nil {
		return CheckInResult{}, fmt.Errorf("load catalog: %w", err)
	}

	userMessage, err := checkInMessage(text, wearable, items)
	if err != nil {
		return CheckInResult{}, err
	}
	var analysis checkInAnalysis
	err = a.structured(ctx, "check-in analysis", []domain.Message{
		{Role: domain.RoleSystem, Content: checkInPrompt},
		{Role: domain.RoleUser, Content: userMessage},
	}, checkInSchema, &analysis)
	if err != nil {
		return CheckInResult{}, err
	}

	ids := normalizeRecommendations(analysis.IDs, items)
	if len(ids) == 0 && len(items) > 0 {
		return CheckInResult{}, ErrNoValidInterventions
	}
	result := CheckInResult{
		SanitizedText:              strings.TrimSpace(analysis.SanitizedText),
		RecommendedInterventionIDs: strings.Join(ids, ","),
		Reasoning:                  scrubIDs(analysis.Reasoning, ids),
	}
	record := domain.CheckIn{
		ID:                         util.NewID(),
		UserID:                     userID,
		Input:                      text,
		SanitizedText:              result.SanitizedText,
		RecommendedInterventionIDs: result.RecommendedInterventionIDs,
		Reasoning:                  result.Reasoning,
		CreatedAt:                  a.now(),
	}
	if err := a.store.CreateCheckIn(record); err != nil {
		return CheckInResult{}, fmt.Errorf("save check-in: %w", err)
	}
	return result, nil
}

// CheckInHistory returns stored check-ins newest first.
func (a *App) CheckInHistory(userID string, limit int) ([]domain.CheckIn, error) {
	if _, err := a.requireUser(userID); err != nil {
		return nil, err
	}
	items, err := a.store.ListCheckIns(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list check-ins: %w", err)
	}
	return items, nil
}

func checkInMessage(text, wearable string, items []catalog.Intervention) (string, error) {
	briefs := make([]catalog.Brief, 0, len(items))
	for _, item := range items {
		briefs = append(briefs, item.Brief())
	}
	library, err := json.MarshalIndent(briefs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode catalog: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Check-in data: %s\n\n", text)
	if wearable != "" {
		fmt.Fprintf(&b, "Wearable data: %s\n\n", wearable)
	}
	fmt.Fprintf(&b, "Available interventions:\n%s\n\nPlease analyze this information and provide your response.", library)
	return b.String(), nil
}

// normalizeRecommendations trims and dedupes ids, drops ids unknown to a
// non-empty catalog and keeps at most maxRecommendations in model order.
func normalizeRecommendations(ids []string, items []catalog.Intervention) []string {
	known := make(map[string]struct{}, len(items))
	for _, item := range items {
		known[item.Key()] = struct{}{}
	}
	out := make([]string, 0, maxRecommendations)
	for _, id := range uniqueTrimmed(ids) {
		if len(known) > 0 {
			if _, ok := known[id]; !ok {
				continue
			}
		}
		out = append(out, id)
		if len(out) == maxRecommendations {
			break
		}
	}
	return out
}

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	emptyBrackets  = regexp.MustCompile(`\(\s*\)|\[\s*\]|\{\s*\}`)
	leadingPunct   = regexp.MustCompile(`^[\s,.;:!?-]+`)
	spaceBeforeEnd = regexp.MustCompile(`\s+([,.;:!?])`)
)

// scrubIDs removes every recommended id from the rationale. An id counts as
// a token when it is not glued to a preceding letter or digit, or when it
// follows an "id"/"intervention" marker (ID3, intervention_3, id #3).
func scrubIDs(reasoning string, ids []string) string {
	for _, id := range ids {
		pattern := `(^|[^0-9A-Za-z])(?i:(?:(?:intervention|id)s?[\s_#:\-]*)*)#?` + regexp.QuoteMeta(id) + `\b`
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		reasoning = re.ReplaceAllString(reasoning, "${1} ")
	}
	reasoning = whitespaceRun.ReplaceAllString(reasoning, " ")
	reasoning = emptyBrackets.ReplaceAllString(reasoning, "")
	reasoning = whitespaceRun.ReplaceAllString(reasoning, " ")
	reasoning = spaceBeforeEnd.ReplaceAllString(reasoning, "$1")
	reasoning = leadingPunct.ReplaceAllString(reasoning, "")
	return strings.TrimSpace(reasoning)
}
