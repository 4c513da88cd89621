// Package config loads and persists the proxy's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultSecret is the placeholder written into fresh config files. The
// server refuses to start while it is left in place unless the override
// flag is passed.
const DefaultSecret = "CHANGE ME"

// Config is the root of the TOML configuration file.
type Config struct {
	Settings  Settings            `toml:"settings"`
	Backends  map[string]Backend  `toml:"backends,omitempty"`
	Providers map[string]Provider `toml:"providers,omitempty"`

	path string
}

// Settings holds the server-wide options.
type Settings struct {
	Secret   string   `toml:"secret"`
	MaxAge   int64    `toml:"max_age"` // token lifetime in seconds
	Database Database `toml:"database"`
	Server   Server   `toml:"server"`
	App      App      `toml:"app"`
}

// Database points at the embedded credential store.
type Database struct {
	Path string `toml:"path"`
}

// Server holds the listener options.
type Server struct {
	Prefix        string `toml:"prefix"`
	Files         string `toml:"files"`
	Address       string `toml:"address"`
	Port          uint16 `toml:"port"`
	SecureCookies bool   `toml:"secure_cookies"`
	// DrainTimeout bounds how long a reload waits for in-flight plain
	// HTTP requests before the old listener is torn down. Long-lived
	// connections (open tunnels included) are terminated by a reload.
	DrainTimeout string `toml:"drain_timeout"`
}

// App holds display metadata used by the rendered pages.
type App struct {
	Name    string            `toml:"name"`
	Logo    string            `toml:"logo"`
	Favicon string            `toml:"favicon,omitempty"`
	Accent  string            `toml:"accent"`
	Pages   map[string]string `toml:"pages,omitempty"`
}

// Backend is one configured upstream service.
type Backend struct {
	Name      string   `toml:"name"`
	Address   string   `toml:"address"`
	Port      uint16   `toml:"port"`
	TLS       bool     `toml:"tls,omitempty"`
	Providers []string `toml:"providers"`
}

// Provider is an external auth provider record. The name "basic" is
// reserved for local credential login and never appears in this table.
type Provider struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AuthURL      string `toml:"auth_url"`
	TokenURL     string `toml:"token_url"`
}

// Default returns a fresh configuration with example values, matching
// what gets written on first run.
func Default() *Config {
	return &Config{
		Settings: Settings{
			Secret:   DefaultSecret,
			MaxAge:   604800,
			Database: Database{Path: "zerogate.db"},
			Server: Server{
				Prefix:       "_sp",
				Files:        "static_files",
				Address:      "127.0.0.1",
				Port:         8080,
				DrainTimeout: "5s",
			},
			App: App{
				Name:   "Zerogate",
				Logo:   "/_sp/static/logo.png",
				Accent: "indigo",
				Pages: map[string]string{
					"Contact support": "https://support.example.site",
					"Status":          "https://status.example.site",
				},
			},
		},
		path: "config.toml",
	}
}

// Load reads the config file at path. A missing file is created with the
// defaults first, so a bare first run produces an editable template.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.path = path
		if werr := cfg.Write(); werr != nil {
			return nil, werr
		}
		log.Info().Str("path", path).Bool("created", true).Msg("config")
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}

	cfg := Default()
	cfg.Backends = nil
	cfg.Providers = nil
	if err := toml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists the config back to its path.
func (c *Config) Write() error {
	contents, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.WriteFile(c.path, contents, 0o600); err != nil {
		return errors.Wrapf(err, "writing config to %q", c.path)
	}
	return nil
}

// Validate checks cross-references the registry and token manager rely on.
func (c *Config) Validate() error {
	for name, b := range c.Backends {
		if b.Address == "" || b.Port == 0 {
			return errors.Errorf("backend %q: address and port are required", name)
		}
		for _, p := range b.Providers {
			if p == "basic" {
				continue
			}
			if _, ok := c.Providers[p]; !ok {
				return errors.Errorf("backend %q references unknown provider %q", name, p)
			}
		}
	}
	if c.Settings.MaxAge <= 0 {
		return errors.New("settings.max_age must be positive")
	}
	if _, err := c.DrainTimeout(); err != nil {
		return err
	}
	return nil
}

// Path returns where the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Settings.Server.Address, c.Settings.Server.Port)
}

// PathPrefix returns the URL segment reserved for the proxy's own pages,
// e.g. "/_sp".
func (c *Config) PathPrefix() string {
	return "/" + c.Settings.Server.Prefix
}

// LoginPath returns the redirect target for unauthenticated requests.
func (c *Config) LoginPath() string {
	return c.PathPrefix() + "/login"
}

// TokenMaxAge returns the configured token lifetime.
func (c *Config) TokenMaxAge() time.Duration {
	return time.Duration(c.Settings.MaxAge) * time.Second
}

// DrainTimeout parses the reload drain window. Empty means no draining.
func (c *Config) DrainTimeout() (time.Duration, error) {
	raw := c.Settings.Server.DrainTimeout
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid settings.server.drain_timeout %q", raw)
	}
	return d, nil
}
