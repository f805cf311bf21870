// Package config loads the service's runtime configuration from the
// environment. Every value here corresponds to a field enumerated in the
// service's configuration contract (jwt/encryption secrets, token TTLs,
// cache TTLs, rate limits).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration, loaded once at startup and
// passed explicitly to every component that needs it. No process-wide
// mutable singleton exists.
type Config struct {
	Env string

	// Secrets (mandatory in production).
	JWTSecret     []byte // >=32 bytes, signs every token kind
	EncryptionKey []byte // 32 bytes, AEAD key for 2FA secret-at-rest

	DatabaseURL string
	RedisURL    string // empty => in-process ephemeral store

	// Token lifetimes.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	OAuthAccessTTL  time.Duration
	PreAuthTTL      time.Duration

	// Ephemeral-contract lifetimes.
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	LoginCodeTTL    time.Duration
	AttemptLockTTL  time.Duration
	LoginSessionTTL time.Duration

	// Authz cache.
	AuthzL1TTL time.Duration
	AuthzL2TTL time.Duration

	SkipLoginCode           bool
	EnableBreachCheck       bool
	AllowPublicRegistration bool

	RateLimits map[string]RateLimit

	AllowedCORSOrigins []string

	OIDCIssuer string
}

// RateLimit expresses "N requests per window" for a single endpoint.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Load reads configuration from environment variables. It errors on a
// missing mandatory secret in production; in development it fabricates a
// throwaway secret so local runs don't require one.
func Load() (Config, error) {
	env := getEnv("APP_ENV", "development")

	cfg := Config{
		Env:                     env,
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		AccessTokenTTL:          getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:         getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		OAuthAccessTTL:          getEnvAsDuration("OAUTH_ACCESS_TTL", 60*time.Minute),
		PreAuthTTL:              getEnvAsDuration("PRE_AUTH_TTL", 5*time.Minute),
		VerificationTTL:         getEnvAsDuration("VERIFICATION_TTL", 24*time.Hour),
		ResetTTL:                getEnvAsDuration("RESET_TTL", 1*time.Hour),
		LoginCodeTTL:            getEnvAsDuration("LOGIN_CODE_TTL", 5*time.Minute),
		AttemptLockTTL:          getEnvAsDuration("ATTEMPT_LOCK_TTL", 5*time.Minute),
		LoginSessionTTL:         getEnvAsDuration("LOGIN_SESSION_TTL", 15*time.Minute),
		AuthzL1TTL:              getEnvAsDuration("AUTHZ_L1_TTL", 60*time.Second),
		AuthzL2TTL:              getEnvAsDuration("AUTHZ_L2_TTL", 5*time.Minute),
		SkipLoginCode:           getEnvAsBool("SKIP_LOGIN_CODE", false),
		EnableBreachCheck:       getEnvAsBool("ENABLE_BREACH_CHECK", false),
		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", true),
		AllowedCORSOrigins:      getEnvAsList("ALLOWED_CORS_ORIGINS"),
		OIDCIssuer:              getEnv("OIDC_ISSUER", "https://auth.local"),
	}

	if env == "production" && cfg.SkipLoginCode {
		return Config{}, fmt.Errorf("SKIP_LOGIN_CODE must not be set in production")
	}

	secret, err := loadSecret("JWT_SECRET", 32, env)
	if err != nil {
		return Config{}, err
	}
	cfg.JWTSecret = secret

	encKey, err := loadSecret("ENCRYPTION_KEY", 32, env)
	if err != nil {
		return Config{}, err
	}
	cfg.EncryptionKey = encKey

	cfg.RateLimits = map[string]RateLimit{
		"register":                {Limit: getEnvAsInt("RATE_LIMIT_REGISTER", 3), Window: time.Hour},
		"login":                   {Limit: getEnvAsInt("RATE_LIMIT_LOGIN", 5), Window: time.Minute},
		"resend_verification":     {Limit: getEnvAsInt("RATE_LIMIT_RESEND_VERIFICATION", 1), Window: 5 * time.Minute},
		"request_password_reset":  {Limit: getEnvAsInt("RATE_LIMIT_PASSWORD_RESET", 1), Window: 5 * time.Minute},
	}

	return cfg, nil
}

func loadSecret(envVar string, minBytes int, env string) ([]byte, error) {
	val := os.Getenv(envVar)
	if val == "" {
		if env == "production" {
			return nil, fmt.Errorf("%s is required in production", envVar)
		}
		// Development convenience only: deterministic, obviously-unsafe filler.
		return []byte(strings.Repeat("x", minBytes)), nil
	}
	if len(val) < minBytes {
		return nil, fmt.Errorf("%s must be at least %d bytes", envVar, minBytes)
	}
	return []byte(val), nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsList(name string) []string {
	valStr := os.Getenv(name)
	if valStr == "" {
		return nil
	}
	parts := strings.Split(valStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
