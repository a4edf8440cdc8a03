package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTSLURL = "https://e-trust.gosuslugi.ru/app/scc/portal/api/v1/portal/ca/getxml"
)

type Config struct {
	DataDir             string         `yaml:"data_dir" json:"data_dir" mapstructure:"data_dir"`
	TimezoneOffsetHours int            `yaml:"timezone_offset_hours" json:"timezone_offset_hours" mapstructure:"timezone_offset_hours"`
	Log                 LogSettings    `yaml:"log" json:"log" mapstructure:"log"`
	CRL                 CRLConfig      `yaml:"crl" json:"crl" mapstructure:"crl"`
	TSL                 TSLConfig      `yaml:"tsl" json:"tsl" mapstructure:"tsl"`
	HTTP                HTTPConfig     `yaml:"http" json:"http" mapstructure:"http"`
	Telegram            TelegramConfig `yaml:"telegram" json:"telegram" mapstructure:"telegram"`
	Notify              NotifyConfig   `yaml:"notify" json:"notify" mapstructure:"notify"`
	Storage             StorageConfig  `yaml:"storage" json:"storage" mapstructure:"storage"`
	Server              ServerConfig   `yaml:"server" json:"server" mapstructure:"server"`
}

type LogSettings struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	File   string `yaml:"file" json:"file" mapstructure:"file"`
}

type CRLConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	CheckInterval      time.Duration `yaml:"check_interval" json:"check_interval" mapstructure:"check_interval"`
	AlertThresholds    []int         `yaml:"alert_thresholds" json:"alert_thresholds" mapstructure:"alert_thresholds"`
	GracePeriod        time.Duration `yaml:"grace_period" json:"grace_period" mapstructure:"grace_period"`
	MissedAfter        time.Duration `yaml:"missed_after" json:"missed_after" mapstructure:"missed_after"`
	EmptySkipAfter     time.Duration `yaml:"empty_skip_after" json:"empty_skip_after" mapstructure:"empty_skip_after"`
	CDPSources         []string      `yaml:"cdp_sources" json:"cdp_sources" mapstructure:"cdp_sources"`
	KnownPaths         []string      `yaml:"known_paths" json:"known_paths" mapstructure:"known_paths"`
	FNSOnly            bool          `yaml:"fns_only" json:"fns_only" mapstructure:"fns_only"`
	FNSDomains         []string      `yaml:"fns_domains" json:"fns_domains" mapstructure:"fns_domains"`
	UseOpenSSLFallback bool          `yaml:"use_openssl_fallback" json:"use_openssl_fallback" mapstructure:"use_openssl_fallback"`
	WeeklyStatsEnabled bool          `yaml:"weekly_stats_enabled" json:"weekly_stats_enabled" mapstructure:"weekly_stats_enabled"`
}

type TSLConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	URL            string        `yaml:"url" json:"url" mapstructure:"url"`
	CheckInterval  time.Duration `yaml:"check_interval" json:"check_interval" mapstructure:"check_interval"`
	OGRNFilter     []string      `yaml:"ogrn_filter" json:"ogrn_filter" mapstructure:"ogrn_filter"`
	RegistryFilter []string      `yaml:"registry_filter" json:"registry_filter" mapstructure:"registry_filter"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	VerifyTLS     bool          `yaml:"verify_tls" json:"verify_tls" mapstructure:"verify_tls"`
	UserAgent     string        `yaml:"user_agent" json:"user_agent" mapstructure:"user_agent"`
	Retries       int           `yaml:"retries" json:"retries" mapstructure:"retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second" mapstructure:"rate_per_second"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" json:"max_body_bytes" mapstructure:"max_body_bytes"`
}

type TelegramConfig struct {
	BotToken   string        `yaml:"bot_token" json:"-" mapstructure:"bot_token"`
	ChatID     string        `yaml:"chat_id" json:"chat_id" mapstructure:"chat_id"`
	APIURL     string        `yaml:"api_url" json:"api_url" mapstructure:"api_url"`
	DryRun     bool          `yaml:"dry_run" json:"dry_run" mapstructure:"dry_run"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// NotifyConfig toggles each notification kind independently.
type NotifyConfig struct {
	NewVersion  bool `yaml:"new_version" json:"new_version" mapstructure:"new_version"`
	Expiring    bool `yaml:"expiring" json:"expiring" mapstructure:"expiring"`
	Expired     bool `yaml:"expired" json:"expired" mapstructure:"expired"`
	Missed      bool `yaml:"missed" json:"missed" mapstructure:"missed"`
	WeeklyStats bool `yaml:"weekly_stats" json:"weekly_stats" mapstructure:"weekly_stats"`
	TSLAdded    bool `yaml:"tsl_added" json:"tsl_added" mapstructure:"tsl_added"`
	TSLRemoved  bool `yaml:"tsl_removed" json:"tsl_removed" mapstructure:"tsl_removed"`
	TSLName     bool `yaml:"tsl_name" json:"tsl_name" mapstructure:"tsl_name"`
	TSLDate     bool `yaml:"tsl_date" json:"tsl_date" mapstructure:"tsl_date"`
	TSLCRLURLs  bool `yaml:"tsl_crl_urls" json:"tsl_crl_urls" mapstructure:"tsl_crl_urls"`
	TSLOther    bool `yaml:"tsl_other" json:"tsl_other" mapstructure:"tsl_other"`
}

type StorageConfig struct {
	SQLitePath  string        `yaml:"sqlite_path" json:"sqlite_path" mapstructure:"sqlite_path"`
	FallbackDir string        `yaml:"fallback_dir" json:"fallback_dir" mapstructure:"fallback_dir"`
	BreakerTrip uint32        `yaml:"breaker_trip" json:"breaker_trip" mapstructure:"breaker_trip"`
	BreakerWait time.Duration `yaml:"breaker_wait" json:"breaker_wait" mapstructure:"breaker_wait"`
}

type ServerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" json:"addr" mapstructure:"addr"`
	JWTSecret string `yaml:"jwt_secret" json:"-" mapstructure:"jwt_secret"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:             "./data",
		TimezoneOffsetHours: 3,
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		CRL: CRLConfig{
			Enabled:            true,
			CheckInterval:      60 * time.Minute,
			AlertThresholds:    []int{4, 2},
			GracePeriod:        30 * 24 * time.Hour,
			MissedAfter:        time.Hour,
			EmptySkipAfter:     90 * 24 * time.Hour,
			CDPSources:         []string{"http://pki.tax.gov.ru/cdp/"},
			FNSOnly:            false,
			FNSDomains:         []string{"tax.gov.ru", "nalog.gov.ru", "nalog.ru"},
			UseOpenSSLFallback: true,
			WeeklyStatsEnabled: true,
		},
		TSL: TSLConfig{
			Enabled:       true,
			URL:           DefaultTSLURL,
			CheckInterval: 3 * time.Hour,
			Timeout:       60 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			VerifyTLS:     true,
			UserAgent:     "crlsentry/1.0",
			Retries:       3,
			RetryBackoff:  2 * time.Second,
			RatePerSecond: 5,
			MaxBodyBytes:  256 << 20,
		},
		Telegram: TelegramConfig{
			APIURL:     "https://api.telegram.org",
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Timeout:    30 * time.Second,
		},
		Notify: NotifyConfig{
			NewVersion:  true,
			Expiring:    true,
			Expired:     true,
			Missed:      true,
			WeeklyStats: true,
			TSLAdded:    true,
			TSLRemoved:  true,
			TSLName:     true,
			TSLDate:     true,
			TSLCRLURLs:  true,
			TSLOther:    true,
		},
		Storage: StorageConfig{
			SQLitePath:  "./data/crlsentry.db",
			FallbackDir: "./data/state",
			BreakerTrip: 3,
			BreakerWait: 5 * time.Minute,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":9101",
		},
	}
}

// Location returns the fixed zone every timestamp is normalised to.
func (c *Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.TimezoneOffsetHours), c.TimezoneOffsetHours*3600)
}

func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "log.level must be one of trace|debug|info|warn|error|fatal|panic")
	}
	if c.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}
	if c.TimezoneOffsetHours < -12 || c.TimezoneOffsetHours > 14 {
		errs = append(errs, "timezone_offset_hours must be within [-12, 14]")
	}

	if c.CRL.Enabled {
		if c.CRL.CheckInterval <= 0 {
			errs = append(errs, "crl.check_interval must be > 0")
		}
		if len(c.CRL.AlertThresholds) == 0 {
			errs = append(errs, "crl.alert_thresholds must not be empty")
		}
		for _, t := range c.CRL.AlertThresholds {
			if t <= 0 {
				errs = append(errs, "crl.alert_thresholds entries must be > 0")
				break
			}
		}
		if c.CRL.GracePeriod <= 0 {
			errs = append(errs, "crl.grace_period must be > 0")
		}
		if c.CRL.MissedAfter < 0 {
			errs = append(errs, "crl.missed_after must be >= 0")
		}
	}

	if c.TSL.Enabled {
		if c.TSL.URL == "" {
			errs = append(errs, "tsl.url must not be empty when TSL monitoring is enabled")
		}
		if c.TSL.CheckInterval <= 0 {
			errs = append(errs, "tsl.check_interval must be > 0")
		}
	}

	if c.HTTP.Timeout <= 0 {
		errs = append(errs, "http.timeout must be > 0")
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, "http.retries must be >= 0")
	}
	if c.HTTP.RatePerSecond < 0 {
		errs = append(errs, "http.rate_per_second must be >= 0")
	}

	if c.Telegram.MaxRetries <= 0 {
		errs = append(errs, "telegram.max_retries must be > 0")
	}
	if !c.Telegram.DryRun && (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		errs = append(errs, "telegram.bot_token and telegram.chat_id must be set together")
	}

	if c.Storage.SQLitePath == "" && c.Storage.FallbackDir == "" {
		errs = append(errs, "storage needs sqlite_path, fallback_dir or both")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty when the server is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically write config: %w", err)
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	}

	return c.Validate()
}
