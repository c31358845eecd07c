package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config is loaded once at startup from environment variables.
type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	StaticToken   string

	// Streaming vendor (Kiro/CodeWhisperer-protocol account pool)
	VendorAPIURL      string
	VendorSignInURL   string
	VendorTokenURL    string
	VendorClientID    string
	DefaultProfileARN string
	OAuthLoopbackPort int

	// ModelOverrides is the router's pattern → vendor-model-id table,
	// consulted before the built-in alias table.
	ModelOverrides map[string]string

	// Scheduling
	SessionBindingTTL   time.Duration
	TokenRefreshAdvance time.Duration
	MaxAttempts         int

	// Error pause durations (cooldown lengths per status family)
	ErrorPause401 time.Duration
	ErrorPause403 time.Duration
	ErrorPause429 time.Duration
	ErrorPause5xx time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int
	MaxCacheControls int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "./polyrelay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		VendorAPIURL:      envOr("VENDOR_API_URL", "https://q.us-east-1.amazonaws.com/generateAssistantResponse"),
		VendorSignInURL:   envOr("VENDOR_SIGNIN_URL", "https://app.kiro.dev/signin"),
		VendorTokenURL:    envOr("VENDOR_TOKEN_URL", "https://kiro-prod-us-east-1.auth.us-east-1.amazoncognito.com/oauth2/token"),
		VendorClientID:    envOr("VENDOR_CLIENT_ID", ""),
		DefaultProfileARN: envOr("DEFAULT_PROFILE_ARN", "arn:aws:codewhisperer:us-east-1:699475941385:profile/KIRO"),
		OAuthLoopbackPort: envInt("OAUTH_LOOPBACK_PORT", 3128),

		ModelOverrides: envJSONStringMap("MODEL_OVERRIDES"),

		SessionBindingTTL:   envDuration("SESSION_BINDING_TTL", 24*time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),
		MaxAttempts:         envInt("MAX_ATTEMPTS", 3),

		ErrorPause401: envDuration("ERROR_PAUSE_401", 30*time.Minute),
		ErrorPause403: envDuration("ERROR_PAUSE_403", 10*time.Minute),
		ErrorPause429: envDuration("ERROR_PAUSE_429", 60*time.Second),
		ErrorPause5xx: envDuration("ERROR_PAUSE_5XX", 5*time.Minute),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxCacheControls: envInt("MAX_CACHE_CONTROLS", 4),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	if c.OAuthLoopbackPort <= 0 || c.OAuthLoopbackPort > 65535 {
		return errMissing("OAUTH_LOOPBACK_PORT")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing or invalid required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envJSONStringMap parses a JSON object env var (pattern → target) into a
// map, returning nil (not an empty map) when unset or malformed so callers
// can tell "no overrides configured" from "empty override table".
func envJSONStringMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var m map[string]string
	if json.Unmarshal([]byte(v), &m) != nil {
		return nil
	}
	return m
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
