package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"qm/internal/model"
)

const (
	SourceGoogle = "google"
	SourceICS    = "ics"
)

// CalendarConfig describes a calendar to keep in sync.
type CalendarConfig struct {
	// ID is the provider calendar id (Google) or an internal id (ICS).
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// URL is the ICS subscription endpoint. Only used with source "ics".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Editors are granted edit access on provisioned forms. Only used with
	// source "ics"; Google calendars read editors from their ACL.
	Editors []string `yaml:"editors,omitempty" json:"editors,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the read API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ScheduleConfig holds cron specs for the periodic jobs.
type ScheduleConfig struct {
	// Tick drives the queue opener and the reconciliation of every calendar.
	// It should fire on minute boundaries so open_at equality matches.
	Tick string `yaml:"tick" json:"tick"`
	// WatchRenew drives push channel renewal. Empty disables renewal.
	WatchRenew string `yaml:"watch_renew" json:"watch_renew"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	// FreshnessWindow gates open_at updates for already known events. Zero
	// means "modified on the same calendar day" in Timezone.
	FreshnessWindow time.Duration `yaml:"freshness_window" json:"freshness_window"`
	// MaxConcurrency bounds per-event handlers running at once in a pass.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// Prompt is the question placed on provisioned forms.
	Prompt string `yaml:"prompt" json:"prompt"`
	// OpenPolicy is "exact" or "due".
	OpenPolicy model.OpenPolicy `yaml:"open_policy" json:"open_policy"`
	// HorizonDays bounds recurrence expansion for ICS sources.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
	// RetryDelay is the initial backoff before retrying a transient failure.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// GoogleConfig holds Google API settings.
type GoogleConfig struct {
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path"`
	TokenPath       string `yaml:"token_path" json:"token_path"`
	ScriptID        string `yaml:"script_id" json:"script_id"`

	// WebhookURL is the public address Google pushes calendar changes to.
	// Empty disables push channels.
	WebhookURL   string `yaml:"webhook_url" json:"webhook_url"`
	WebhookToken string `yaml:"webhook_token,omitempty" json:"webhook_token,omitempty"`

	// Discover adds every non-primary calendar the account owns.
	Discover bool `yaml:"discover" json:"discover"`

	ChannelMaxAge time.Duration `yaml:"channel_max_age" json:"channel_max_age"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the webhook and read API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for freshness checks and cron.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// Source selects the event source: "google" or "ics".
	Source string `yaml:"source" json:"source"`

	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	Google    GoogleConfig    `yaml:"google" json:"google"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and the calendar webhook.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8000"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	if c.Database == "" {
		c.Database = "/var/lib/qm/qm.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	switch c.Source {
	case SourceGoogle, SourceICS:
	default:
		c.Source = SourceGoogle
	}

	if c.Schedule.Tick == "" {
		c.Schedule.Tick = "* * * * *"
	}
	if c.Schedule.WatchRenew == "" {
		c.Schedule.WatchRenew = "0 3 * * *"
	}

	if c.Reconcile.FreshnessWindow < 0 {
		c.Reconcile.FreshnessWindow = 0
	}
	if c.Reconcile.MaxConcurrency <= 0 {
		c.Reconcile.MaxConcurrency = 16
	}
	if c.Reconcile.Prompt == "" {
		c.Reconcile.Prompt = "Name"
	}
	// Unknown policy; fall back to exact matching.
	if !c.Reconcile.OpenPolicy.Valid() {
		c.Reconcile.OpenPolicy = model.OpenExact
	}
	if c.Reconcile.HorizonDays <= 0 {
		c.Reconcile.HorizonDays = 30
	}
	if c.Reconcile.RetryDelay <= 0 {
		c.Reconcile.RetryDelay = 500 * time.Millisecond
	}

	if c.Google.CredentialsPath == "" {
		c.Google.CredentialsPath = "/etc/qm/credentials.json"
	}
	if c.Google.TokenPath == "" {
		c.Google.TokenPath = "/var/lib/qm/token.json"
	}
	if c.Google.ChannelMaxAge <= 0 {
		c.Google.ChannelMaxAge = 144 * time.Hour
	}

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
}

// ApplyEnv overrides selected fields from the environment. Deployments keep
// secrets and per-host values out of the YAML file this way.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("QM_SCRIPT_ID"); v != "" {
		c.Google.ScriptID = v
	}
	if v := os.Getenv("QM_WEBHOOK_URL"); v != "" {
		c.Google.WebhookURL = v
	}
	if v := os.Getenv("QM_DB_PATH"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("QM_LISTEN"); v != "" {
		c.Listen = v
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.ID == "" {
			return fmt.Errorf("calendars[%d]: id is empty", i)
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID)
		}
		seen[cal.ID] = true
		if c.Source == SourceICS && cal.URL == "" {
			return fmt.Errorf("calendars[%d]: url is required for ics source", i)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load reads the YAML config at path and fills defaults. On first run the
// file does not exist yet; a default config is written there (0600) and
// returned. If that write fails the defaults are returned with the error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			return cfg, Save(path, cfg)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save normalizes cfg and writes it to path as YAML via WriteFileAtomic.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".qm-config-*.tmp")
}

// WriteFileAtomic writes data next to path in a temp file, sets 0600 and
// renames it over path.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after the rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save writes c to path.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// CalendarByID returns the configured calendar with the given id.
func (c *Config) CalendarByID(id string) (CalendarConfig, bool) {
	for _, cal := range c.Calendars {
		if cal.ID == id {
			return cal, true
		}
	}
	return CalendarConfig{}, false
}
