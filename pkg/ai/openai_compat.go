package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAICompatModel calls any OpenAI-compatible /v1/chat/completions endpoint.
// Structured output uses response_format json_schema with strict mode.
type OpenAICompatModel struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatModel builds an OpenAI-compatible ChatModel.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatModel(baseURL, apiKey, model string) *OpenAICompatModel {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatModel{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{},
	}
}

// Chat implements ChatModel.
func (m *OpenAICompatModel) Chat(ctx context.Context, messages []Message) (string, error) {
	text, err := m.complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Structured implements ChatModel.
func (m *OpenAICompatModel) Structured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error) {
	format := &oaiResponseFormat{
		Type: "json_schema",
		JSONSchema: &oaiJSONSchema{
			Name:   schema.Name,
			Strict: true,
			Schema: schema.Definition,
		},
	}
	text, err := m.complete(ctx, messages, format)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimSpace(text)), nil
}

func (m *OpenAICompatModel) complete(ctx context.Context, messages []Message, format *oaiResponseFormat) (string, error) {
	if m.model == "" {
		return "", fmt.Errorf("openai-compat model required")
	}
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	reqBody := oaiChatRequest{
		Model:          m.model,
		Messages:       messages,
		ResponseFormat: format,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	choice := chatResp.Choices[0].Message
	if choice.Refusal != "" {
		return "", fmt.Errorf("openai-compat refusal: %s", choice.Refusal)
	}
	if strings.TrimSpace(choice.Content) == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return choice.Content, nil
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []Message          `json:"messages"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema *oaiJSONSchema `json:"json_schema,omitempty"`
}

type oaiJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
