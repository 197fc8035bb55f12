package ai

import (
	"encoding/json"
	"errors"
	"testing"
)

func checkInSchema() Schema {
	return ObjectSchema("check_in_analysis", map[string]any{
		"sanitized_text":               StringProp(""),
		"recommended_intervention_ids": StringArrayProp(""),
		"ai_reasoning":                 StringProp(""),
	}, "sanitized_text", "recommended_intervention_ids", "ai_reasoning")
}

func TestDecodeStructuredAcceptsValidDocument(t *testing.T) {
	var out struct {
		SanitizedText string   `json:"sanitized_text"`
		IDs           []string `json:"recommended_intervention_ids"`
		Reasoning     string   `json:"ai_reasoning"`
	}
	raw := json.RawMessage(`{"sanitized_text":"tired","recommended_intervention_ids":["1","2"],"ai_reasoning":"rest helps"}`)
	if err := DecodeStructured(raw, checkInSchema(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SanitizedText != "tired" || len(out.IDs) != 2 || out.Reasoning != "rest helps" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestDecodeStructuredRejectsMismatches(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `sure, here you go`,
		"array":          `[]`,
		"missing field":  `{"sanitized_text":"a","recommended_intervention_ids":[]}`,
		"unknown field":  `{"sanitized_text":"a","recommended_intervention_ids":[],"ai_reasoning":"b","extra":1}`,
		"wrong type":     `{"sanitized_text":1,"recommended_intervention_ids":[],"ai_reasoning":"b"}`,
		"wrong item":     `{"sanitized_text":"a","recommended_intervention_ids":[1],"ai_reasoning":"b"}`,
		"trailing value": `{"sanitized_text":"a","recommended_intervention_ids":[],"ai_reasoning":"b"} {}`,
	}
	for name, raw := range cases {
		err := DecodeStructured(json.RawMessage(raw), checkInSchema(), nil)
		if !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("%s: expected schema mismatch, got %v", name, err)
		}
	}
}

func TestObjectSchemaIsClosed(t *testing.T) {
	s := ObjectSchema("counseling_response", map[string]any{"counseling": StringProp("")}, "counseling")
	if s.Definition["additionalProperties"] != false {
		t.Fatalf("expected closed schema, got %v", s.Definition["additionalProperties"])
	}
	stripped := stripAdditionalProperties(s.Definition)
	if _, ok := stripped["additionalProperties"]; ok {
		t.Fatalf("expected additionalProperties to be stripped")
	}
	if _, ok := s.Definition["additionalProperties"]; !ok {
		t.Fatalf("strip must not mutate the original schema")
	}
}
