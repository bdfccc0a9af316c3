package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Site   SiteConfig        `yaml:"site"`
	SQLite SQLiteConfig      `yaml:"sqlite"`
	Auth   AuthConfig        `yaml:"auth"`
	Jobs   JobsConfig        `yaml:"jobs"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Site.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Jobs.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SiteConfig holds the production roots of the published site.
//
// ExcludedPrefixes name folders under the content root that promotions
// never touch (e.g. a raw notes mirror). The staging folder is always excluded.
type SiteConfig struct {
	ContentRoot      string   `yaml:"content_root"`
	AssetsRoot       string   `yaml:"assets_root"`
	ExcludedPrefixes []string `yaml:"excluded_prefixes"`
}

// Validate validates the site configuration. Neither root may contain the
// other: clearing the content root would destroy a nested assets root.
func (c *SiteConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ContentRoot, validation.Required),
		validation.Field(&c.AssetsRoot, validation.Required),
		validation.Field(&c.ExcludedPrefixes, validation.Each(validation.By(relativePrefix))),
	); err != nil {
		return err
	}
	content, err := filepath.Abs(c.ContentRoot)
	if err != nil {
		return fmt.Errorf("site: content_root: %w", err)
	}
	assets, err := filepath.Abs(c.AssetsRoot)
	if err != nil {
		return fmt.Errorf("site: assets_root: %w", err)
	}
	if within(content, assets) || within(assets, content) {
		return fmt.Errorf("site: content_root %q and assets_root %q must not contain each other", c.ContentRoot, c.AssetsRoot)
	}
	return nil
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func relativePrefix(v interface{}) error {
	s, _ := v.(string)
	s = strings.Trim(filepath.ToSlash(s), "/")
	if s == "" || s == "." || s == ".." || strings.HasPrefix(s, "../") {
		return fmt.Errorf("must be a folder inside the content root")
	}
	return nil
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// JobsConfig holds the finalize queue and staging housekeeping settings.
type JobsConfig struct {
	// Workers is the number of concurrent finalize workers.
	Workers int `yaml:"workers"`
	// LedgerRetries bounds retries of job ledger writes while SQLite is busy.
	LedgerRetries int `yaml:"ledger_retries"`
	// LockTimeout bounds one promotion including its wait for the site lock. Zero disables it.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// StagingTTL is the age after which abandoned staging sessions are swept.
	StagingTTL time.Duration `yaml:"staging_ttl"`
	// SweepInterval is how often stale staging is swept. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Validate validates the jobs configuration.
func (c *JobsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.LedgerRetries, validation.Min(0), validation.Max(20)),
		validation.Field(&c.LockTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.StagingTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.SweepInterval, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Site: SiteConfig{
			ContentRoot: "./site/content",
			AssetsRoot:  "./site/assets",
		},
		SQLite: SQLiteConfig{
			Path: "./folio.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Jobs: JobsConfig{
			Workers:       1,
			LedgerRetries: 3,
			LockTimeout:   10 * time.Minute,
			StagingTTL:    24 * time.Hour,
			SweepInterval: time.Hour,
		},
	}
}
