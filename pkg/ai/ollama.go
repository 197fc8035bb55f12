package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls the Ollama HTTP API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient constructs a client with the provided base URL.
func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// OllamaModel adapts OllamaClient to ChatModel.
type OllamaModel struct {
	client *OllamaClient
	model  string
}

func NewOllamaModel(client *OllamaClient, model string) *OllamaModel {
	return &OllamaModel{client: client, model: strings.TrimSpace(model)}
}

// Chat implements ChatModel.
func (m *OllamaModel) Chat(ctx context.Context, messages []Message) (string, error) {
	text, err := m.client.chat(ctx, m.model, messages, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Structured implements ChatModel. The schema is passed as the format field,
// which Ollama uses for grammar-constrained decoding.
func (m *OllamaModel) Structured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error) {
	text, err := m.client.chat(ctx, m.model, messages, schema.Definition)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimSpace(text)), nil
}

func (c *OllamaClient) chat(ctx context.Context, model string, messages []Message, format map[string]any) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("ollama model required")
	}
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}
	if format != nil {
		reqBody.Format = format
	}
	var resp ollamaChatResponse
	if _, err := c.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}

func (c *OllamaClient) doJSON(ctx context.Context, path string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return resp.StatusCode, fmt.Errorf("ollama api error: %s", errResp.Error)
		}
		return resp.StatusCode, fmt.Errorf("ollama api error: %s", resp.Status)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
