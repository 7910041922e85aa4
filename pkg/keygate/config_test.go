package keygate

import (
	"errors"
	"testing"
	"time"
)

// ============ Defaults and Validation ============

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TTL() != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", cfg.TTL())
	}
	if cfg.ExecutionTimeout() != 30*time.Second {
		t.Errorf("execution timeout = %v, want 30s", cfg.ExecutionTimeout())
	}
	if cfg.WaitPolicy != PolicyWait {
		t.Errorf("wait policy = %s, want wait", cfg.WaitPolicy)
	}
}

func TestConfig_Normalization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnabledMethods = []string{" post ", "Put"}
	cfg.FingerprintHeaders = []string{"Content-Type", " X-TENANT "}

	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.EnabledMethods[0] != "POST" || cfg.EnabledMethods[1] != "PUT" {
		t.Errorf("methods not uppercased: %v", cfg.EnabledMethods)
	}
	if cfg.FingerprintHeaders[0] != "content-type" || cfg.FingerprintHeaders[1] != "x-tenant" {
		t.Errorf("headers not lowercased: %v", cfg.FingerprintHeaders)
	}
}

func TestConfig_RangeViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.DefaultTTLSeconds = 0 }},
		{"ttl above 7d", func(c *Config) { c.DefaultTTLSeconds = 604801 }},
		{"bad wait policy", func(c *Config) { c.WaitPolicy = "maybe" }},
		{"zero execution timeout", func(c *Config) { c.ExecutionTimeoutSeconds = 0 }},
		{"execution timeout above 5m", func(c *Config) { c.ExecutionTimeoutSeconds = 301 }},
		{"negative body cap", func(c *Config) { c.MaxBodyBytes = -1 }},
		{"bad method", func(c *Config) { c.EnabledMethods = []string{"YEET"} }},
		{"no fingerprint headers", func(c *Config) { c.FingerprintHeaders = nil }},
		{"empty key header", func(c *Config) { c.KeyHeaderName = "" }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: error %v does not wrap ErrInvalidConfig", tc.name, err)
		}
	}
}

// ============ Environment Loading ============

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("KEYGATE_DEFAULT_TTL_SECONDS", "3600")
	t.Setenv("KEYGATE_WAIT_POLICY", "no-wait")
	t.Setenv("KEYGATE_ENABLED_METHODS", "POST, PUT")
	t.Setenv("KEYGATE_FINGERPRINT_HEADERS", "content-type,x-tenant")

	cfg, err := ConfigFromEnv("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultTTLSeconds != 3600 {
		t.Errorf("ttl = %d", cfg.DefaultTTLSeconds)
	}
	if cfg.WaitPolicy != PolicyNoWait {
		t.Errorf("wait policy = %s", cfg.WaitPolicy)
	}
	if len(cfg.EnabledMethods) != 2 || cfg.EnabledMethods[1] != "PUT" {
		t.Errorf("methods = %v", cfg.EnabledMethods)
	}
	if len(cfg.FingerprintHeaders) != 2 || cfg.FingerprintHeaders[1] != "x-tenant" {
		t.Errorf("headers = %v", cfg.FingerprintHeaders)
	}

	// Untouched values keep their defaults.
	if cfg.ExecutionTimeoutSeconds != 30 {
		t.Errorf("execution timeout = %d, want default 30", cfg.ExecutionTimeoutSeconds)
	}
}

func TestConfigFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("KEYGATE_DEFAULT_TTL_SECONDS", "not-a-number")
	if _, err := ConfigFromEnv(""); err == nil {
		t.Error("expected error for unparseable ttl")
	}

	t.Setenv("KEYGATE_DEFAULT_TTL_SECONDS", "0")
	if _, err := ConfigFromEnv(""); err == nil {
		t.Error("expected validation error for out-of-range ttl")
	}
}

func TestConfigFromEnv_CustomPrefix(t *testing.T) {
	t.Setenv("APP_WAIT_POLICY", "no-wait")
	cfg, err := ConfigFromEnv("APP_")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WaitPolicy != PolicyNoWait {
		t.Errorf("wait policy = %s, want no-wait", cfg.WaitPolicy)
	}
}

// ============ Constructor Validation ============

func TestNew_RequiresStorage(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil storage")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTLSeconds = 0
	if _, err := New(NewMemoryStore(), WithConfig(cfg)); err == nil {
		t.Error("expected error for invalid config")
	}
}
