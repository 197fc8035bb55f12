package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(apiKey string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{},
	}, nil
}

// GeminiModel adapts GeminiClient to ChatModel.
type GeminiModel struct {
	client *GeminiClient
	model  string
}

func NewGeminiModel(client *GeminiClient, model string) *GeminiModel {
	return &GeminiModel{client: client, model: normalizeModel(model)}
}

// Chat implements ChatModel.
func (m *GeminiModel) Chat(ctx context.Context, messages []Message) (string, error) {
	text, err := m.client.generate(ctx, m.model, messages, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Structured implements ChatModel using responseMimeType application/json and
// responseSchema. Gemini rejects additionalProperties, so it is stripped here
// and enforced again by DecodeStructured.
func (m *GeminiModel) Structured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error) {
	cfg := &generationConfig{
		ResponseMimeType: "application/json",
		ResponseSchema:   stripAdditionalProperties(schema.Definition),
	}
	text, err := m.client.generate(ctx, m.model, messages, cfg)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimSpace(text)), nil
}

func (c *GeminiClient) generate(ctx context.Context, model string, messages []Message, cfg *generationConfig) (string, error) {
	if model == "" {
		return "", fmt.Errorf("gemini model required")
	}
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	reqBody := generateRequest{GenerationConfig: cfg}
	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			reqBody.Contents = append(reqBody.Contents, content{Role: "model", Parts: []part{{Text: msg.Content}}})
		default:
			reqBody.Contents = append(reqBody.Contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		}
	}
	if len(reqBody.Contents) == 0 {
		return "", fmt.Errorf("gemini requires at least one non-system message")
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}

	var resp generateResponse
	if err := c.doJSON(ctx, fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model), reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

// doJSON sends the key as a header only. Transport errors drop the request
// URL so error text stays safe to return to clients.
func (c *GeminiClient) doJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("gemini api error: %s", redact(errResp.Error.Message, c.apiKey))
		}
		return fmt.Errorf("gemini api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func redact(text, secret string) string {
	if secret == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, "[redacted]")
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
