package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded flow defaults.
const (
	DefaultCodeTTL     = 30 * time.Second
	DefaultSessionTTL  = 12 * time.Hour
	DefaultScope       = "openid profile"
	DefaultLocale      = "en"
	DefaultReturnTo    = "/"
	DefaultCallback    = "/auth/callback"
	DefaultMockSubject = "test-user"
)

// Config captures the application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Mock   MockConfig   `yaml:"mock"`
	Auth   AuthConfig   `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	SecretsPath       string    `yaml:"secrets_path"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// MockConfig controls the mock identity-provider endpoints. All provider
// routes return 404 unless Enabled is set.
type MockConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ClientID      string   `yaml:"client_id"`
	Subject       string   `yaml:"subject"`
	CallbackPaths []string `yaml:"callback_paths"`
}

// AuthConfig controls the relying-party routes under /auth. SessionTTL is
// settable only through AUTHD_AUTH_SESSION_TTL.
type AuthConfig struct {
	CallbackPath    string        `yaml:"callback_path"`
	DefaultReturnTo string        `yaml:"default_return_to"`
	LogoutURL       string        `yaml:"logout_url"`
	Scope           string        `yaml:"scope"`
	SessionTTL      time.Duration `yaml:"-"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Mock: MockConfig{
			Enabled:       true,
			ClientID:      "letters-web",
			Subject:       DefaultMockSubject,
			CallbackPaths: []string{DefaultCallback},
		},
		Auth: AuthConfig{
			CallbackPath:    DefaultCallback,
			DefaultReturnTo: DefaultReturnTo,
			LogoutURL:       "/",
			Scope:           DefaultScope,
			SessionTTL:      DefaultSessionTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_SECRETS_PATH":    func(v string) { cfg.Server.SecretsPath = v },
		"AUTHD_MOCK_ENABLED":           func(v string) { cfg.Mock.Enabled = parseBool(v, cfg.Mock.Enabled) },
		"AUTHD_MOCK_CLIENT_ID":         func(v string) { cfg.Mock.ClientID = v },
		"AUTHD_MOCK_SUBJECT":           func(v string) { cfg.Mock.Subject = v },
		"AUTHD_AUTH_SESSION_TTL":       func(v string) { cfg.Auth.SessionTTL = parseDuration(v, cfg.Auth.SessionTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Mock.ClientID == "" {
		return errors.New("mock.client_id is required")
	}
	if len(c.Mock.CallbackPaths) == 0 {
		return errors.New("mock.callback_paths must list at least one path")
	}
	for i, p := range c.Mock.CallbackPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("mock.callback_paths[%d] must be an absolute path, got: %s", i, p)
		}
	}

	if !strings.HasPrefix(c.Auth.CallbackPath, "/") {
		return fmt.Errorf("auth.callback_path must be an absolute path, got: %s", c.Auth.CallbackPath)
	}
	if c.Auth.SessionTTL <= 0 {
		return errors.New("auth.session_ttl must be greater than zero")
	}
	return nil
}

// Issuer is the canonical issuer string: the public URL without a trailing
// slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}
