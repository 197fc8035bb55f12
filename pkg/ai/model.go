package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one entry of the ordered transcript sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel is implemented by every LLM provider (OpenAI-compatible, Ollama, Gemini).
//
// Chat returns free-form text. Structured returns the raw JSON document the
// provider produced under the given schema; callers decode it with
// DecodeStructured, which re-validates the shape locally.
// Providers set no client timeout; the caller's context deadline bounds each call.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Structured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewChatModel builds the provider named in cfg.Provider. Empty defaults to openai.
func NewChatModel(cfg Config) (ChatModel, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%s model required", provider)
	}
	switch provider {
	case "openai", "openai-compat":
		baseURL := cfg.BaseURL
		if strings.TrimSpace(baseURL) == "" {
			baseURL = defaultOpenAIBaseURL
		}
		return NewOpenAICompatModel(baseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		return NewOllamaModel(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			client.baseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
		}
		return NewGeminiModel(client, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

func validateMessages(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("at least one message required")
	}
	for i, msg := range messages {
		switch msg.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	return nil
}
