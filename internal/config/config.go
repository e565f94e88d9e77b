package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeSync   = "sync"
	ModeQueued = "queued"

	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string
	LogLevel    string
	LogFormat   string

	Provider ProviderConfig

	CacheTTL     time.Duration
	CacheBackend string

	RateLimitPerMinute int
	RateLimitPerDay    int
	RateLimitBackend   string

	AdmissionMode    string
	QueueWorkers     int
	QueueMaxAttempts int
	QueueBackoff     time.Duration

	RetentionDays      int
	SweepInterval      time.Duration
	StaleAfter         time.Duration
	DefaultTenantLimit int
}

type ProviderConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	PromptTemplate string
	Params         map[string]any
	Timeout        time.Duration
	Debug          bool
}

const minJWTSecretLen = 16

const defaultPrompt = "A person wearing the garment{{if gt .GarmentCount 1}}s{{end}} shown in the reference images, virtual try-on, photorealistic"

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		CacheBackend:     getEnv("CACHE_BACKEND", BackendRedis),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", BackendRedis),
		AdmissionMode:    getEnv("ADMISSION_MODE", ModeSync),
		Provider: ProviderConfig{
			APIKey:         getEnv("FAL_KEY", ""),
			BaseURL:        getEnv("FAL_BASE_URL", "https://fal.run"),
			Model:          getEnv("FAL_MODEL", "fal-ai/flux-2-lora-gallery/virtual-tryon"),
			PromptTemplate: getEnv("FAL_PROMPT_TEMPLATE", defaultPrompt),
		},
	}

	var err error
	if cfg.Provider.Timeout, err = getDuration("PROVIDER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Provider.Debug, err = getBool("DEBUG_PROVIDER", false); err != nil {
		return nil, err
	}
	if cfg.Provider.Params, err = getJSONObject("FAL_PARAMS", map[string]any{
		"guidance_scale":        2.5,
		"num_inference_steps":   30,
		"acceleration":          "regular",
		"enable_safety_checker": true,
		"output_format":         "png",
		"num_images":            1,
		"lora_scale":            1,
	}); err != nil {
		return nil, err
	}

	cacheHours, err := getInt("CACHE_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.CacheTTL = time.Duration(cacheHours) * time.Hour

	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerDay, err = getInt("RATE_LIMIT_PER_DAY", 0); err != nil {
		return nil, err
	}
	if cfg.QueueWorkers, err = getInt("QUEUE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAttempts, err = getInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.QueueBackoff, err = getDuration("QUEUE_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = getInt("RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = getDuration("GENERATION_STALE_AFTER", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DefaultTenantLimit, err = getInt("DEFAULT_TENANT_LIMIT", 5000); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.AdmissionMode != ModeSync && c.AdmissionMode != ModeQueued {
		return fmt.Errorf("invalid ADMISSION_MODE %q (want %s or %s)", c.AdmissionMode, ModeSync, ModeQueued)
	}
	for name, v := range map[string]string{"CACHE_BACKEND": c.CacheBackend, "RATE_LIMIT_BACKEND": c.RateLimitBackend} {
		if v != BackendRedis && v != BackendPostgres {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}
	if c.RetentionDays < 30 {
		return fmt.Errorf("RETENTION_DAYS must be at least 30, got %d", c.RetentionDays)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.QueueMaxAttempts)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if limit := time.Duration(c.QueueMaxAttempts) * c.Provider.Timeout; c.StaleAfter <= limit {
		return fmt.Errorf("GENERATION_STALE_AFTER must exceed %s (QUEUE_MAX_ATTEMPTS x PROVIDER_TIMEOUT)", limit)
	}
	// The secret signs admin tokens.
	switch {
	case c.JWTSecret == "":
		return fmt.Errorf("JWT_SECRET is required")
	case c.JWTSecret == "secret" || len(c.JWTSecret) < minJWTSecretLen:
		return fmt.Errorf("JWT_SECRET must be at least %d characters and not a placeholder", minJWTSecretLen)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	if raw == "1" {
		return true, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getJSONObject(key string, defaultVal map[string]any) (map[string]any, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
