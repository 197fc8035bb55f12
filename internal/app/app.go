package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rerhythm/internal/keylock"
	"rerhythm/pkg/ai"
	"rerhythm/pkg/catalog"
	"rerhythm/pkg/domain"
	"rerhythm/pkg/store"
)

const (
	defaultLLMTimeout         = 60 * time.Second
	defaultSummaryConcurrency = 4
	defaultLockWait           = 10 * time.Second
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Sessions    store.SessionStore
	Model       ai.ChatModel
	Catalog     *catalog.Catalog
	Locker      keylock.Locker

	LLMTimeout         time.Duration
	SummaryConcurrency int
	LockWait           time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// App wires storage, sessions and the language model together.
type App struct {
	store              store.Store
	sessions           store.SessionStore
	model              ai.ChatModel
	catalog            *catalog.Catalog
	locker             keylock.Locker
	llmTimeout         time.Duration
	summaryConcurrency int
	lockWait           time.Duration
	now                func() time.Time
}

// New constructs the application. A store is opened from DatabaseURL when
// none is supplied.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("chat model required")
	}
	locker := cfg.Locker
	if locker == nil {
		locker = keylock.NewMemoryLocker()
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	concurrency := cfg.SummaryConcurrency
	if concurrency <= 0 {
		concurrency = defaultSummaryConcurrency
	}
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:              dataStore,
		sessions:           cfg.Sessions,
		model:              cfg.Model,
		catalog:            cfg.Catalog,
		locker:             locker,
		llmTimeout:         timeout,
		summaryConcurrency: concurrency,
		lockWait:           lockWait,
		now:                now,
	}, nil
}

// Authenticate resolves a bearer token to the user it was issued for.
func (a *App) Authenticate(token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if errors.Is(err, store.ErrInvalidSession) || (err == nil && !ok) {
		return domain.User{}, ErrInvalidToken
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("verify session: %w", err)
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrInvalidToken
	}
	return user, nil
}

func (a *App) requireUser(userID string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// structured runs one schema-constrained model call under the configured
// timeout and decodes the result into out.
func (a *App) structured(ctx context.Context, op string, messages []domain.Message, schema ai.Schema, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	raw, err := a.model.Structured(ctx, toModelMessages(messages), schema)
	if err != nil {
		return upstream(op, err)
	}
	if err := ai.DecodeStructured(raw, schema, out); err != nil {
		return upstream(op, err)
	}
	return nil
}

func toModelMessages(messages []domain.Message) []ai.Message {
	out := make([]ai.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
