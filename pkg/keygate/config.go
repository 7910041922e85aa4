package keygate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// WaitPolicy controls what a duplicate request does while the first
// execution for its key is still running.
type WaitPolicy string

const (
	// PolicyWait polls storage until the in-flight execution reaches a
	// terminal state, then replays it.
	PolicyWait WaitPolicy = "wait"

	// PolicyNoWait rejects the duplicate immediately with a retry hint.
	PolicyNoWait WaitPolicy = "no-wait"
)

// Config is the middleware configuration surface. Zero values are not
// usable; start from DefaultConfig or ConfigFromEnv.
type Config struct {
	// EnabledMethods lists the HTTP methods subject to idempotency.
	// Requests with other methods pass straight through, as do safe
	// methods regardless of this list.
	EnabledMethods []string `validate:"required,dive,oneof=GET HEAD POST PUT DELETE CONNECT OPTIONS TRACE PATCH"`

	// DefaultTTLSeconds is the record lifetime from creation, 1s to 7d.
	DefaultTTLSeconds int `validate:"min=1,max=604800"`

	// WaitPolicy selects wait or no-wait for concurrent duplicates.
	WaitPolicy WaitPolicy `validate:"oneof=wait no-wait"`

	// ExecutionTimeoutSeconds caps how long a waiter polls, 1s to 5m.
	ExecutionTimeoutSeconds int `validate:"min=1,max=300"`

	// MaxBodyBytes caps the request body size checked before
	// fingerprinting; 0 means unlimited.
	MaxBodyBytes int64 `validate:"min=0"`

	// FingerprintHeaders is the allow-list of header names fed into the
	// fingerprint, matched case-insensitively.
	FingerprintHeaders []string `validate:"required,min=1"`

	// KeyHeaderName is the request header carrying the idempotency key.
	KeyHeaderName string `validate:"required"`

	// MaxKeyLength rejects keys longer than this many bytes.
	MaxKeyLength int `validate:"min=1"`

	// PollInterval is the wait-policy polling period.
	PollInterval time.Duration `validate:"min=1"`
}

// DefaultConfig mirrors the documented defaults: all state-changing
// methods tracked, 24h TTL, wait policy, 30s execution timeout, 1MB body
// cap, content-type/content-length fingerprinting, 100ms polling.
func DefaultConfig() Config {
	return Config{
		EnabledMethods:          []string{"POST", "PUT", "PATCH", "DELETE"},
		DefaultTTLSeconds:       86400,
		WaitPolicy:              PolicyWait,
		ExecutionTimeoutSeconds: 30,
		MaxBodyBytes:            1 << 20,
		FingerprintHeaders:      append([]string(nil), DefaultFingerprintHeaders...),
		KeyHeaderName:           KeyHeader,
		MaxKeyLength:            255,
		PollInterval:            100 * time.Millisecond,
	}
}

var configValidator = validator.New()

// Validate normalizes the config in place (methods uppercased,
// fingerprint headers lowercased) and checks every range constraint.
func (c *Config) Validate() error {
	for i, m := range c.EnabledMethods {
		c.EnabledMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	for i, h := range c.FingerprintHeaders {
		c.FingerprintHeaders[i] = strings.ToLower(strings.TrimSpace(h))
	}
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// TTL returns the default record lifetime as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// ExecutionTimeout returns the waiter budget as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// ConfigFromEnv loads configuration from environment variables with the
// given prefix (default "KEYGATE_" when empty). List values are
// comma-separated. Missing variables keep their defaults; the result is
// validated before being returned.
//
//	KEYGATE_ENABLED_METHODS=POST,PUT
//	KEYGATE_DEFAULT_TTL_SECONDS=3600
//	KEYGATE_WAIT_POLICY=no-wait
//	KEYGATE_EXECUTION_TIMEOUT_SECONDS=60
//	KEYGATE_MAX_BODY_BYTES=2097152
//	KEYGATE_FINGERPRINT_HEADERS=content-type,content-length
//	KEYGATE_KEY_HEADER=Idempotency-Key
func ConfigFromEnv(prefix string) (Config, error) {
	if prefix == "" {
		prefix = "KEYGATE_"
	}
	cfg := DefaultConfig()

	if v := os.Getenv(prefix + "ENABLED_METHODS"); v != "" {
		cfg.EnabledMethods = splitList(v)
	}
	if v := os.Getenv(prefix + "DEFAULT_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %sDEFAULT_TTL_SECONDS: %v", ErrInvalidConfig, prefix, err)
		}
		cfg.DefaultTTLSeconds = n
	}
	if v := os.Getenv(prefix + "WAIT_POLICY"); v != "" {
		cfg.WaitPolicy = WaitPolicy(v)
	}
	if v := os.Getenv(prefix + "EXECUTION_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %sEXECUTION_TIMEOUT_SECONDS: %v", ErrInvalidConfig, prefix, err)
		}
		cfg.ExecutionTimeoutSeconds = n
	}
	if v := os.Getenv(prefix + "MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: %sMAX_BODY_BYTES: %v", ErrInvalidConfig, prefix, err)
		}
		cfg.MaxBodyBytes = n
	}
	if v := os.Getenv(prefix + "FINGERPRINT_HEADERS"); v != "" {
		cfg.FingerprintHeaders = splitList(v)
	}
	if v := os.Getenv(prefix + "KEY_HEADER"); v != "" {
		cfg.KeyHeaderName = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
