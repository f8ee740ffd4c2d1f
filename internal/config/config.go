package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr   = ":8080"
	defaultTokenTTL   = 24 * time.Hour
	defaultAuditorTTL = 4 * time.Hour
	defaultRateBurst  = 20
	defaultRatePerSec = 10
)

// Config is read from the environment once at process start and handed to
// the components that need it. Nothing reads the environment after Load.
type Config struct {
	HTTPAddr    string
	PostgresDSN string

	// Session tokens.
	AuthSecret string
	TokenTTL   time.Duration

	// Auditor access tokens. The secret falls back to AuthSecret so a
	// single-secret deployment still works; the claim shape keeps the two
	// token kinds apart.
	AuditorSecret string
	AuditorTTL    time.Duration

	// FrontendURL is the SPA origin allowed by CORS.
	FrontendURL string

	RateBurst  int
	RatePerSec int
}

// Load builds the Config from environment variables. The auth secret is the
// only hard requirement; everything else has a serving default.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    envOr("CALIBRA_HTTP_ADDR", defaultHTTPAddr),
		PostgresDSN: strings.TrimSpace(os.Getenv("CALIBRA_PG_DSN")),
		AuthSecret:  strings.TrimSpace(os.Getenv("JWT_SECRET")),
		FrontendURL: strings.TrimSpace(os.Getenv("FRONTEND_URL")),
	}
	if cfg.AuthSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}

	var err error
	cfg.TokenTTL, err = durationOr("JWT_EXPIRES_IN", defaultTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditorTTL, err = durationOr("AUDITOR_TOKEN_TTL", defaultAuditorTTL)
	if err != nil {
		return Config{}, err
	}

	cfg.AuditorSecret = strings.TrimSpace(os.Getenv("AUDITOR_TOKEN_SECRET"))
	if cfg.AuditorSecret == "" {
		cfg.AuditorSecret = cfg.AuthSecret
	}

	cfg.RateBurst, err = intOr("CALIBRA_RATE_BURST", defaultRateBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.RatePerSec, err = intOr("CALIBRA_RATE_PER_SEC", defaultRatePerSec)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func intOr(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
