package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultInterval            = 5 * time.Minute
	DefaultMaximumEntries      = 10
	DefaultMaximumNumberOfDays = 365
)

// Source kinds.
const (
	KindICS    = "ics"
	KindCalDAV = "caldav"
)

// AuthConfig holds credentials for a calendar feed.
//
//   - method "basic" (default when user is set): credentials are sent immediately.
//   - method "digest": credentials are sent in response to a challenge.
//   - method "bearer": pass is sent as a bearer token.
type AuthConfig struct {
	Method string `yaml:"method" json:"method"`
	User   string `yaml:"user,omitempty" json:"user,omitempty"`
	Pass   string `yaml:"pass" json:"-"`
}

// ExcludedEvent is one title filter. In YAML it is either a plain string
// (substring match) or a mapping.
type ExcludedEvent struct {
	FilterBy string `yaml:"filter_by" json:"filter_by"`
	Regex    bool   `yaml:"regex,omitempty" json:"regex,omitempty"`
	Flags    string `yaml:"flags,omitempty" json:"flags,omitempty"`
	// Until, if set, hides matching events only from "<amount> <unit>" before
	// their end instead of dropping them outright.
	Until string `yaml:"until,omitempty" json:"until,omitempty"`
}

// UnmarshalYAML accepts both `- "Standup"` and `- {filter_by: ..., regex: true}`.
func (e *ExcludedEvent) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*e = ExcludedEvent{FilterBy: node.Value}
		return nil
	}
	type plain ExcludedEvent
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = ExcludedEvent(p)
	return nil
}

// CalendarConfig describes a single calendar source.
type CalendarConfig struct {
	// ID is an internal identifier used for API lookups and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// URL is the ICS subscription endpoint or CalDAV collection URL.
	URL string `yaml:"url" json:"url"`
	// Kind is "ics" (default) or "caldav".
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Interval is the poll interval as a Go duration string (e.g. "5m").
	// Refresh, if set, is a 5-field cron expression and takes precedence.
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
	Refresh  string `yaml:"refresh,omitempty" json:"refresh,omitempty"`

	MaximumEntries      int  `yaml:"maximum_entries" json:"maximum_entries"`
	MaximumNumberOfDays int  `yaml:"maximum_number_of_days" json:"maximum_number_of_days"`
	IncludePastEvents   bool `yaml:"include_past_events" json:"include_past_events"`

	// TimeFilter hides every event "<amount> <unit>" before its end.
	TimeFilter string `yaml:"time_filter,omitempty" json:"time_filter,omitempty"`

	IncludeTodos bool `yaml:"include_todos,omitempty" json:"include_todos,omitempty"`
	// TodoOrder is "first", "last" or "due" (default).
	TodoOrder string `yaml:"todo_order,omitempty" json:"todo_order,omitempty"`

	ExcludedEvents []ExcludedEvent `yaml:"excluded_events,omitempty" json:"excluded_events,omitempty"`

	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for full-day detection and date-only values.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir holds conditional-request metadata and last bodies per feed URL.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		Timezone:  "Local",
		LogLevel:  "info",
		CacheDir:  "./var/ics-cache",
		Calendars: []CalendarConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/ics-cache"
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		c.Calendars[i].Normalize()
	}
}

// Normalize applies per-calendar defaults.
func (cc *CalendarConfig) Normalize() {
	cc.URL = strings.TrimSpace(cc.URL)
	// webcal:// is a client-side hint; the feed is served over https.
	if rest, ok := strings.CutPrefix(cc.URL, "webcal://"); ok {
		cc.URL = "https://" + rest
	}
	if cc.ID == "" {
		if cc.Name != "" {
			cc.ID = cc.Name
		} else {
			cc.ID = cc.URL
		}
	}
	switch cc.Kind {
	case KindICS, KindCalDAV:
	default:
		cc.Kind = KindICS
	}
	if cc.Interval == "" && cc.Refresh == "" {
		cc.Interval = DefaultInterval.String()
	}
	if cc.MaximumEntries <= 0 {
		cc.MaximumEntries = DefaultMaximumEntries
	}
	if cc.MaximumNumberOfDays <= 0 {
		cc.MaximumNumberOfDays = DefaultMaximumNumberOfDays
	}
	if cc.TodoOrder == "" {
		cc.TodoOrder = "due"
	}
	if cc.Auth != nil && cc.Auth.Method == "" {
		cc.Auth.Method = "basic"
	}
}

// Validate reports configuration errors that Normalize cannot repair.
// Schedules, time filters and regexes are compiled later by the calendar
// package; here we only check what is structurally required.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cc := range c.Calendars {
		if cc.URL == "" {
			return fmt.Errorf("calendars[%d]: url is empty", i)
		}
		if seen[cc.ID] {
			return fmt.Errorf("calendars[%d]: duplicate id %q", i, cc.ID)
		}
		seen[cc.ID] = true
		if cc.Refresh == "" {
			d, err := time.ParseDuration(cc.Interval)
			if err != nil {
				return fmt.Errorf("calendars[%d] %s: interval: %w", i, cc.ID, err)
			}
			if d <= 0 {
				return fmt.Errorf("calendars[%d] %s: interval must be positive", i, cc.ID)
			}
		}
		switch cc.TodoOrder {
		case "first", "last", "due":
		default:
			return fmt.Errorf("calendars[%d] %s: unknown todo_order %q", i, cc.ID, cc.TodoOrder)
		}
		if cc.Auth != nil {
			switch cc.Auth.Method {
			case "basic", "digest", "bearer":
			default:
				return fmt.Errorf("calendars[%d] %s: unknown auth method %q", i, cc.ID, cc.Auth.Method)
			}
		}
		for j, ex := range cc.ExcludedEvents {
			if ex.FilterBy == "" {
				return fmt.Errorf("calendars[%d] %s: excluded_events[%d]: filter_by is empty", i, cc.ID, j)
			}
		}
	}
	return nil
}

// Location resolves Timezone; "Local" and "" map to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfetch-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
