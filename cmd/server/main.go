package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rerhythm/internal/app"
	"rerhythm/internal/config"
	"rerhythm/internal/keylock"
	"rerhythm/internal/ratelimit"
	"rerhythm/internal/server"
	"rerhythm/internal/util"
	"rerhythm/pkg/ai"
	"rerhythm/pkg/catalog"
	"rerhythm/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	durations, err := parseDurations(cfg)
	if err != nil {
		log.Fatalf("failed to parse durations: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "rerhythm")

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open database", "err", err)
	}
	defer dataStore.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn("redis not configured; using in-process revocation and locks, rate limiting disabled")
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	var locker keylock.Locker = keylock.NewMemoryLocker()
	var loginLimiter, registerLimiter *ratelimit.FixedWindowLimiter
	if redisClient != nil {
		revoker = store.NewRedisTokenRevoker(redisClient, durations.sessionTTL)
		locker = keylock.NewRedisLocker(redisClient, "rerhythm:lock", durations.lockTTL)
		if loginLimiter, err = newLimiter(redisClient, "rerhythm:ratelimit:login", cfg.LoginRateLimitPerMinute); err != nil {
			util.Fatal("failed to init login limiter", "err", err)
		}
		if registerLimiter, err = newLimiter(redisClient, "rerhythm:ratelimit:register", cfg.RegisterRateLimitPerMinute); err != nil {
			util.Fatal("failed to init register limiter", "err", err)
		}
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, durations.sessionTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   durations.jwtLeeway,
	})
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
	}

	model, err := ai.NewChatModel(ai.Config{
		Provider: cfg.LLMProvider,
		BaseURL:  cfg.LLMBaseURL,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
	})
	if err != nil {
		util.Fatal("failed to init llm provider", "provider", cfg.LLMProvider, "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:              dataStore,
		Sessions:           sessions,
		Model:              model,
		Catalog:            catalog.New(cfg.CatalogPath),
		Locker:             locker,
		LLMTimeout:         durations.llmTimeout,
		SummaryConcurrency: cfg.WearableSummaryConcurrency,
		LockWait:           durations.lockWait,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:             appCore,
		LoginLimiter:    loginLimiter,
		RegisterLimiter: registerLimiter,
		CORSOrigins:     cfg.CORSOrigins,
		TrustedProxies:  trusted,
		Ready: func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := dataStore.Ping(ctx); err != nil {
				return err
			}
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		},
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Counseling calls can outlive the default write timeout.
	if durations.llmTimeout+10*time.Second > srv.WriteTimeout {
		srv.WriteTimeout = durations.llmTimeout + 10*time.Second
	}

	go func() {
		slog.Info("server listening", "addr", addr, "llm_provider", cfg.LLMProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
}

type durationSettings struct {
	sessionTTL time.Duration
	jwtLeeway  time.Duration
	llmTimeout time.Duration
	lockWait   time.Duration
	lockTTL    time.Duration
}

func parseDurations(cfg config.FileConfig) (durationSettings, error) {
	var d durationSettings
	var err error
	if d.sessionTTL, err = config.ParseDuration("sessionTTL", cfg.SessionTTL, 24*time.Hour); err != nil {
		return d, err
	}
	if d.jwtLeeway, err = config.ParseDuration("jwtLeeway", cfg.JWTLeeway, 30*time.Second); err != nil {
		return d, err
	}
	if d.llmTimeout, err = config.ParseDuration("llmTimeout", cfg.LLMTimeout, 60*time.Second); err != nil {
		return d, err
	}
	if d.lockWait, err = config.ParseDuration("counselingLockWait", cfg.CounselingLockWait, 10*time.Second); err != nil {
		return d, err
	}
	if d.lockTTL, err = config.ParseDuration("counselingLockTTL", cfg.CounselingLockTTL, 2*time.Minute); err != nil {
		return d, err
	}
	return d, nil
}

// newLimiter returns nil when perMinute is zero.
func newLimiter(client redis.UniversalClient, prefix string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	return ratelimit.NewFixedWindowLimiter(client, prefix, perMinute, time.Minute)
}
