package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("chronodesk-assist", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.TenantDB.MaxOpenConns != 10 {
		t.Fatalf("TenantDB.MaxOpenConns = %d", cfg.TenantDB.MaxOpenConns)
	}
	if cfg.AI.Provider != "openai" {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.Policy.PassThreshold != 80 {
		t.Fatalf("Policy.PassThreshold = %d", cfg.Policy.PassThreshold)
	}
	if cfg.Policy.PreviewRowLimit != 5 {
		t.Fatalf("Policy.PreviewRowLimit = %d", cfg.Policy.PreviewRowLimit)
	}
	if cfg.Policy.MaxRowLimit != 100 {
		t.Fatalf("Policy.MaxRowLimit = %d", cfg.Policy.MaxRowLimit)
	}
	if cfg.Pending.TokenTTL != 5*time.Minute {
		t.Fatalf("Pending.TokenTTL = %s", cfg.Pending.TokenTTL)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("chronodesk-assist", mapLookup(map[string]string{"CHRONODESK_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	cfg, err := Load("chronodesk-assist", mapLookup(map[string]string{
		"CHRONODESK_PROFILE":                  "test",
		"CHRONODESK_SERVICE_NAME":             "chronodesk-custom",
		"CHRONODESK_HTTP_ADDR":                ":9999",
		"CHRONODESK_HTTP_READ_TIMEOUT":        "2s",
		"CHRONODESK_HTTP_WRITE_TIMEOUT":       "3s",
		"CHRONODESK_TENANT_DB_DSN":            "postgres://tenant.example",
		"CHRONODESK_TENANT_DB_MAX_OPEN_CONNS": "42",
		"CHRONODESK_OPERATOR_DB_DSN":          "postgres://operator.example",
		"CHRONODESK_AI_PROVIDER":              "anthropic",
		"CHRONODESK_AI_BASE_URL":              "https://api.example.com",
		"CHRONODESK_AI_API_KEY":               "secret-key",
		"CHRONODESK_AI_MODEL":                 "claude-sonnet-4-20250514",
		"CHRONODESK_AI_TEMPERATURE":           "0.3",
		"CHRONODESK_AI_MAX_TOKENS":            "2048",
		"CHRONODESK_AI_TIMEOUT":               "21s",
		"CHRONODESK_POLICY_FILE":              "/etc/chronodesk/policy.yaml",
		"CHRONODESK_POLICY_PASS_THRESHOLD":    "70",
		"CHRONODESK_POLICY_PREVIEW_ROW_LIMIT": "3",
		"CHRONODESK_POLICY_MAX_ROW_LIMIT":     "250",
		"CHRONODESK_PENDING_TOKEN_TTL":        "90s",
		"CHRONODESK_LOG_LEVEL":                "error",
		"CHRONODESK_AUTH_REQUIRED":            "true",
		"CHRONODESK_AUTH_STATIC_KEYS":         "k1:t1:u1:tenant_member",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "chronodesk-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.TenantDB.DSN != "postgres://tenant.example" {
		t.Fatalf("TenantDB.DSN = %q", cfg.TenantDB.DSN)
	}
	if cfg.TenantDB.MaxOpenConns != 42 {
		t.Fatalf("TenantDB.MaxOpenConns = %d", cfg.TenantDB.MaxOpenConns)
	}
	if cfg.OperatorDB.DSN != "postgres://operator.example" {
		t.Fatalf("OperatorDB.DSN = %q", cfg.OperatorDB.DSN)
	}
	if cfg.AI.Provider != "anthropic" {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.MaxTokens != 2048 {
		t.Fatalf("AI.MaxTokens = %d", cfg.AI.MaxTokens)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.Policy.File != "/etc/chronodesk/policy.yaml" {
		t.Fatalf("Policy.File = %q", cfg.Policy.File)
	}
	if cfg.Policy.PassThreshold != 70 {
		t.Fatalf("Policy.PassThreshold = %d", cfg.Policy.PassThreshold)
	}
	if cfg.Policy.PreviewRowLimit != 3 {
		t.Fatalf("Policy.PreviewRowLimit = %d", cfg.Policy.PreviewRowLimit)
	}
	if cfg.Policy.MaxRowLimit != 250 {
		t.Fatalf("Policy.MaxRowLimit = %d", cfg.Policy.MaxRowLimit)
	}
	if cfg.Pending.TokenTTL != 90*time.Second {
		t.Fatalf("Pending.TokenTTL = %s", cfg.Pending.TokenTTL)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Auth.StaticKeys != "k1:t1:u1:tenant_member" {
		t.Fatalf("StaticKeys = %q", cfg.Auth.StaticKeys)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"CHRONODESK_PROFILE": "oops"},
		{"CHRONODESK_HTTP_READ_TIMEOUT": "NaN"},
		{"CHRONODESK_TENANT_DB_MAX_OPEN_CONNS": "oops"},
		{"CHRONODESK_AI_TEMPERATURE": "bad"},
		{"CHRONODESK_AI_PROVIDER": "llama-farm"},
		{"CHRONODESK_POLICY_PASS_THRESHOLD": "120"},
		{"CHRONODESK_POLICY_PREVIEW_ROW_LIMIT": "0"},
		{"CHRONODESK_POLICY_MAX_ROW_LIMIT": "2"},
		{"CHRONODESK_AUTH_REQUIRED": "not-bool"},
		{"CHRONODESK_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		if _, err := Load("chronodesk-assist", mapLookup(env)); err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
