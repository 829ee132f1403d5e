package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/registry"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "PRTRAIL_GITHUB_TOKEN"
	// EnvConfigPath overrides the default configuration file location
	EnvConfigPath = "PRTRAIL_CONFIG"
)

// ErrNoServers is returned when a command needs at least one server
var ErrNoServers = errors.New("no servers configured")

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`

	RefreshPeriod              time.Duration `yaml:"-"`
	RawRefreshPeriod           string        `yaml:"refresh_period"`
	BackgroundRefreshPeriod    time.Duration `yaml:"-"`
	RawBackgroundRefreshPeriod string        `yaml:"background_refresh_period"`
	RequestTimeout             time.Duration `yaml:"-"`
	RawRequestTimeout          string        `yaml:"request_timeout"`

	// Number of concurrent fetches per cycle
	Workers  int `yaml:"workers"`
	PageSize int `yaml:"page_size"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Servers   []ServerConfig  `yaml:"servers"`
	Settings  SettingsConfig  `yaml:"settings"`

	// directory relative paths resolve against
	dir string
}

type DatabaseConfig struct {
	// sqlite3 (mattn/go-sqlite3) or sqlite (modernc.org/sqlite)
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

type RateLimitConfig struct {
	LowQuotaThreshold float64       `yaml:"low_quota_threshold"`
	BackoffStep       time.Duration `yaml:"-"`
	RawBackoffStep    string        `yaml:"backoff_step"`
	MaxBackoff        time.Duration `yaml:"-"`
	RawMaxBackoff     string        `yaml:"max_backoff"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// ServerConfig describes one GitHub or GitHub Enterprise server
type ServerConfig struct {
	Label   string `yaml:"label"`
	APIPath string `yaml:"api_path,omitempty"`
	WebPath string `yaml:"web_path,omitempty"`
	// Token for authentication (optional, can be set via token_env or PRTRAIL_GITHUB_TOKEN)
	Token    string `yaml:"token,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	// Repositories watched in addition to the user's subscriptions, "owner/name"
	Repositories []string `yaml:"repositories,omitempty"`

	resolvedToken string
}

type StatusFilterConfig struct {
	Mode  string   `yaml:"mode"`
	Terms []string `yaml:"terms,omitempty"`
}

// SettingsConfig is the policy section in its config spelling
type SettingsConfig struct {
	SortMethod             string             `yaml:"sort_method"`
	SortDescending         *bool              `yaml:"sort_descending,omitempty"`
	MergeHandling          string             `yaml:"merge_handling"`
	CloseHandling          string             `yaml:"close_handling"`
	DontKeepPRsMergedByMe  bool               `yaml:"dont_keep_prs_merged_by_me"`
	AssignedPRHandling     string             `yaml:"assigned_pr_handling"`
	DisplayPolicy          string             `yaml:"display_policy"`
	NewRepoPolicy          string             `yaml:"new_repo_policy"`
	StatusFilter           StatusFilterConfig `yaml:"status_filter"`
	HideFailingPRs         bool               `yaml:"hide_failing_prs"`
	CommentAuthorBlacklist []string           `yaml:"comment_author_blacklist,omitempty"`
	ShowCommentsEverywhere bool               `yaml:"show_comments_everywhere"`
	HideArchivedRepos      bool               `yaml:"hide_archived_repos"`
}

// DefaultPath returns the configuration file used when none is given.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "prtrail", "config.yaml")
	}
	return "config.yaml"
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.dir = filepath.Dir(path)

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.resolveTokens()
	return &cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't
// exist. It reports whether a file was written.
func CreateDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil // File exists, don't overwrite
	}

	cfg := &Config{
		Database: DatabaseConfig{Path: "prtrail.db"},
		Servers: []ServerConfig{{
			Label:   "github",
			APIPath: api.DefaultAPIPath,
			WebPath: "https://github.com",
		}},
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.setDefaults(); err != nil {
		return false, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	return true, SaveConfig(cfg, path)
}

func (c *Config) setDefaults() error {
	if c.Database.Driver == "" {
		c.Database.Driver = db.DriverCgo
	}
	if c.Database.Path == "" {
		c.Database.Path = "prtrail.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	var err error
	if c.RefreshPeriod, err = duration("refresh_period", &c.RawRefreshPeriod, "2m"); err != nil {
		return err
	}
	if c.BackgroundRefreshPeriod, err = duration("background_refresh_period", &c.RawBackgroundRefreshPeriod, "10m"); err != nil {
		return err
	}
	if c.RequestTimeout, err = duration("request_timeout", &c.RawRequestTimeout, "30s"); err != nil {
		return err
	}
	if c.RateLimit.BackoffStep, err = duration("rate_limit.backoff_step", &c.RateLimit.RawBackoffStep, "1m"); err != nil {
		return err
	}
	if c.RateLimit.MaxBackoff, err = duration("rate_limit.max_backoff", &c.RateLimit.RawMaxBackoff, "15m"); err != nil {
		return err
	}

	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	if c.RateLimit.LowQuotaThreshold == 0 {
		c.RateLimit.LowQuotaThreshold = ratelimit.DefaultConfig().LowQuotaThreshold
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:7420"
	}

	for i := range c.Servers {
		if c.Servers[i].APIPath == "" {
			c.Servers[i].APIPath = api.DefaultAPIPath
		}
	}

	s := &c.Settings
	if s.SortMethod == "" {
		s.SortMethod = "recent_activity"
	}
	if s.SortDescending == nil {
		descending := true
		s.SortDescending = &descending
	}
	if s.MergeHandling == "" {
		s.MergeHandling = "keep_mine"
	}
	if s.CloseHandling == "" {
		s.CloseHandling = "keep_mine"
	}
	if s.AssignedPRHandling == "" {
		s.AssignedPRHandling = "move_to_participated"
	}
	if s.DisplayPolicy == "" {
		s.DisplayPolicy = "all"
	}
	if s.NewRepoPolicy == "" {
		s.NewRepoPolicy = "active"
	}
	if s.StatusFilter.Mode == "" {
		s.StatusFilter.Mode = "all"
	}
	return nil
}

func duration(name string, raw *string, def string) (time.Duration, error) {
	if *raw == "" {
		*raw = def
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", name, *raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, *raw)
	}
	return d, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case db.DriverCgo, db.DriverPure:
	default:
		return fmt.Errorf("database.driver: unknown driver %q (sqlite3|sqlite)", c.Database.Driver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100, got %d", c.PageSize)
	}
	if t := c.RateLimit.LowQuotaThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("rate_limit.low_quota_threshold must be in [0, 1), got %v", t)
	}
	if c.BackgroundRefreshPeriod < c.RefreshPeriod {
		return fmt.Errorf("background_refresh_period %s is shorter than refresh_period %s",
			c.BackgroundRefreshPeriod, c.RefreshPeriod)
	}

	labels := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Label == "" {
			return fmt.Errorf("servers[%d]: label required", i)
		}
		if labels[s.Label] {
			return fmt.Errorf("servers[%d]: duplicate label %q", i, s.Label)
		}
		labels[s.Label] = true
		for _, repo := range s.Repositories {
			if _, _, err := registry.ParseRepository(repo); err != nil {
				return fmt.Errorf("servers[%d]: %w", i, err)
			}
		}
	}

	if _, err := c.Settings.Policy(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

func (c *Config) resolveTokens() {
	global := os.Getenv(EnvGithubToken)
	for i := range c.Servers {
		s := &c.Servers[i]
		s.resolvedToken = s.Token
		if s.TokenEnv != "" {
			if v := os.Getenv(s.TokenEnv); v != "" {
				s.resolvedToken = v
			}
		}
		if s.resolvedToken == "" {
			s.resolvedToken = global
		}
	}
}

// RequireServers fails with ErrNoServers when nothing is configured.
func (c *Config) RequireServers() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	return nil
}

// DatabasePath returns the database file, resolved against the config
// directory when relative.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database.Path)
}

// LogFile returns the log file, or "" when file logging is off.
func (c *Config) LogFile() string {
	if c.Log.File == "" {
		return ""
	}
	return c.resolve(c.Log.File)
}

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Endpoints converts the configured servers for the registry.
func (c *Config) Endpoints() []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, registry.Endpoint{
			Label:        s.Label,
			APIPath:      s.APIPath,
			WebPath:      s.WebPath,
			Token:        s.resolvedToken,
			Repositories: append([]string(nil), s.Repositories...),
		})
	}
	return out
}

// Server returns the configured server with label.
func (c *Config) Server(label string) (*ServerConfig, bool) {
	for i := range c.Servers {
		if strings.EqualFold(c.Servers[i].Label, label) {
			return &c.Servers[i], true
		}
	}
	return nil, false
}

// HasToken reports whether a token was found for the server.
func (s *ServerConfig) HasToken() bool { return s.resolvedToken != "" }

// LimiterConfig returns the rate limiter tuning.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		LowQuotaThreshold: c.RateLimit.LowQuotaThreshold,
		BackoffStep:       c.RateLimit.BackoffStep,
		MaxBackoff:        c.RateLimit.MaxBackoff,
	}
}

// Policy converts the settings section into the policy a cycle runs with.
func (s SettingsConfig) Policy() (models.Settings, error) {
	out := models.DefaultSettings()
	var err error
	if out.SortMethod, err = models.ParseSortMethod(s.SortMethod); err != nil {
		return out, err
	}
	if s.SortDescending != nil {
		out.SortDescending = *s.SortDescending
	}
	if out.MergeHandling, err = models.ParseHandlingPolicy(s.MergeHandling); err != nil {
		return out, fmt.Errorf("merge_handling: %w", err)
	}
	if out.CloseHandling, err = models.ParseHandlingPolicy(s.CloseHandling); err != nil {
		return out, fmt.Errorf("close_handling: %w", err)
	}
	if out.AssignedHandling, err = models.ParseAssignmentPolicy(s.AssignedPRHandling); err != nil {
		return out, err
	}
	if out.DisplayPolicy, err = models.ParseDisplayPolicy(s.DisplayPolicy); err != nil {
		return out, err
	}
	switch strings.ToLower(s.NewRepoPolicy) {
	case "active":
		out.HideNewRepos = false
	case "hidden", "hide":
		out.HideNewRepos = true
	default:
		return out, fmt.Errorf("unknown new repo policy %q (active|hidden)", s.NewRepoPolicy)
	}
	if out.StatusFilter.Mode, err = models.ParseStatusFilterMode(s.StatusFilter.Mode); err != nil {
		return out, err
	}
	out.StatusFilter.Terms = append([]string(nil), s.StatusFilter.Terms...)
	out.DontKeepPRsMergedByMe = s.DontKeepPRsMergedByMe
	out.HideFailingPRs = s.HideFailingPRs
	out.CommentAuthorBlacklist = append([]string(nil), s.CommentAuthorBlacklist...)
	out.ShowCommentsEverywhere = s.ShowCommentsEverywhere
	out.HideArchivedRepos = s.HideArchivedRepos
	return out, nil
}
