package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if !cfg.Server.DevMode {
		t.Error("dev_mode should default to true")
	}
	if cfg.Mock.ClientID != "letters-web" {
		t.Errorf("client_id = %q", cfg.Mock.ClientID)
	}
	if cfg.Mock.Subject != DefaultMockSubject {
		t.Errorf("subject = %q", cfg.Mock.Subject)
	}
	if len(cfg.Mock.CallbackPaths) != 1 || cfg.Mock.CallbackPaths[0] != DefaultCallback {
		t.Errorf("callback_paths = %v", cfg.Mock.CallbackPaths)
	}
	if cfg.Auth.SessionTTL != DefaultSessionTTL {
		t.Errorf("session_ttl = %v", cfg.Auth.SessionTTL)
	}
	if cfg.Auth.Scope != DefaultScope {
		t.Errorf("scope = %q", cfg.Auth.Scope)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  public_url: https://auth.example
  dev_mode: false
  tls:
    domains: [auth.example]
    email: ops@example.com
mock:
  enabled: true
  client_id: my-client
  subject: alice
  callback_paths: [/auth/callback, /alt/callback]
auth:
  callback_path: /auth/callback
  scope: openid profile email
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://auth.example" {
		t.Errorf("public_url = %q", cfg.Server.PublicURL)
	}
	if cfg.Issuer() != "https://auth.example" {
		t.Errorf("Issuer = %q", cfg.Issuer())
	}
	if cfg.Mock.ClientID != "my-client" || cfg.Mock.Subject != "alice" {
		t.Errorf("mock = %+v", cfg.Mock)
	}
	if len(cfg.Mock.CallbackPaths) != 2 {
		t.Errorf("callback_paths = %v", cfg.Mock.CallbackPaths)
	}
	if cfg.Auth.Scope != "openid profile email" {
		t.Errorf("scope = %q", cfg.Auth.Scope)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "server:\n  no_such_field: 1\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown config field")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("AUTHD_SERVER_PUBLIC_URL", "https://env.example")
	t.Setenv("AUTHD_MOCK_ENABLED", "false")
	t.Setenv("AUTHD_MOCK_SUBJECT", "env-user")
	t.Setenv("AUTHD_AUTH_SESSION_TTL", "45m")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "https://env.example" {
		t.Errorf("public_url = %q", cfg.Server.PublicURL)
	}
	if cfg.Mock.Enabled {
		t.Error("AUTHD_MOCK_ENABLED=false not applied")
	}
	if cfg.Mock.Subject != "env-user" {
		t.Errorf("subject = %q", cfg.Mock.Subject)
	}
	if cfg.Auth.SessionTTL != 45*time.Minute {
		t.Errorf("session_ttl = %v", cfg.Auth.SessionTTL)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }, "public_url"},
		{"bad public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }, "public_url"},
		{"prod without tls domains", func(c *Config) { c.Server.DevMode = false }, "tls.domains"},
		{"missing client id", func(c *Config) { c.Mock.ClientID = "" }, "client_id"},
		{"no callback paths", func(c *Config) { c.Mock.CallbackPaths = nil }, "callback_paths"},
		{"relative callback path", func(c *Config) { c.Mock.CallbackPaths = []string{"auth/callback"} }, "absolute"},
		{"relative auth callback", func(c *Config) { c.Auth.CallbackPath = "cb" }, "absolute"},
		{"zero session ttl", func(c *Config) { c.Auth.SessionTTL = 0 }, "session_ttl"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}
