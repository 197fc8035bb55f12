package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file; RERHYTHM_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("RERHYTHM_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	DatabaseURL    string   `yaml:"databaseURL"`
	RedisAddr      string   `yaml:"redisAddr"`
	RedisPassword  string   `yaml:"redisPassword"`
	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
	SessionTTL  string `yaml:"sessionTTL"`

	LoginRateLimitPerMinute    int `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int `yaml:"registerRateLimitPerMinute"`

	LLMProvider string `yaml:"llmProvider"`
	LLMBaseURL  string `yaml:"llmBaseURL"`
	LLMAPIKey   string `yaml:"llmAPIKey"`
	LLMModel    string `yaml:"llmModel"`
	LLMTimeout  string `yaml:"llmTimeout"`

	CatalogPath string `yaml:"catalogPath"`

	WearableSummaryConcurrency int    `yaml:"wearableSummaryConcurrency"`
	CounselingLockWait         string `yaml:"counselingLockWait"`
	CounselingLockTTL          string `yaml:"counselingLockTTL"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Port},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"JWT_SECRET", &cfg.JWTSecret},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"LLM_PROVIDER", &cfg.LLMProvider},
		{"LLM_BASE_URL", &cfg.LLMBaseURL},
		{"OPENAI_API_KEY", &cfg.LLMAPIKey},
		{"LLM_API_KEY", &cfg.LLMAPIKey},
		{"LLM_MODEL", &cfg.LLMModel},
		{"LLM_TIMEOUT", &cfg.LLMTimeout},
		{"CATALOG_PATH", &cfg.CatalogPath},
		{"COUNSELING_LOCK_WAIT", &cfg.CounselingLockWait},
		{"COUNSELING_LOCK_TTL", &cfg.CounselingLockTTL},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute},
		{"REGISTER_RATE_LIMIT_PER_MINUTE", &cfg.RegisterRateLimitPerMinute},
		{"WEARABLE_SUMMARY_CONCURRENCY", &cfg.WearableSummaryConcurrency},
	}
	for _, n := range ints {
		if v := os.Getenv(n.env); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*n.dst = parsed
			}
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "openai"
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = "interventions_library.json"
	}
	if cfg.WearableSummaryConcurrency == 0 {
		cfg.WearableSummaryConcurrency = 4
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 20
	}
	if cfg.RegisterRateLimitPerMinute == 0 {
		cfg.RegisterRateLimitPerMinute = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.LLMModel) == "" {
		return errors.New("config: llmModel is required (set in config.yaml or LLM_MODEL)")
	}
	switch strings.ToLower(cfg.LLMProvider) {
	case "openai", "openai-compat", "ollama":
	case "gemini":
		if cfg.LLMAPIKey == "" {
			return errors.New("config: llmAPIKey is required for gemini")
		}
	default:
		return fmt.Errorf("config: unknown llmProvider %q", cfg.LLMProvider)
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.WearableSummaryConcurrency < 0 {
		return errors.New("config: wearableSummaryConcurrency must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":          cfg.JWTLeeway,
		"sessionTTL":         cfg.SessionTTL,
		"llmTimeout":         cfg.LLMTimeout,
		"counselingLockWait": cfg.CounselingLockWait,
		"counselingLockTTL":  cfg.CounselingLockTTL,
	} {
		if _, err := ParseDuration(name, raw, 0); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field, returning def when raw is empty.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
