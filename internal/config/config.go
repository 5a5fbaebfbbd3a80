// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/registry-scraper/internal/logging"
	"github.com/JakeFAU/registry-scraper/internal/maintenance"
)

// Capture formats.
const (
	CapturePDF  = "pdf"
	CaptureHTML = "html"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	CORS        CORSConfig         `mapstructure:"cors"`
	Browser     BrowserConfig      `mapstructure:"browser"`
	Scrape      ScrapeConfig       `mapstructure:"scrape"`
	Capture     CaptureConfig      `mapstructure:"capture"`
	Sentinel    SentinelConfig     `mapstructure:"sentinel"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
	Output      OutputConfig       `mapstructure:"output"`
	Storage     StorageConfig      `mapstructure:"storage"`
	DB          DBConfig           `mapstructure:"db"`
	PubSub      PubSubConfig       `mapstructure:"pubsub"`
	LogBus      LogBusConfig       `mapstructure:"logbus"`
	Logging     logging.Config     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BrowserConfig configures the Chrome session.
type BrowserConfig struct {
	Headless   bool          `mapstructure:"headless"`
	ExecPath   string        `mapstructure:"exec_path"`
	UserAgent  string        `mapstructure:"user_agent"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	Settle     SettleConfig  `mapstructure:"settle"`
}

// SettleConfig holds the pauses applied after each kind of browser action.
type SettleConfig struct {
	Login time.Duration `mapstructure:"login"`
	Table time.Duration `mapstructure:"table"`
	Row   time.Duration `mapstructure:"row"`
	Tab   time.Duration `mapstructure:"tab"`
	Close time.Duration `mapstructure:"close"`
}

// ScrapeConfig governs the table and row walk.
type ScrapeConfig struct {
	RowXPath         string        `mapstructure:"row_xpath"`
	RowWaitTimeout   time.Duration `mapstructure:"row_wait_timeout"`
	MaxRowsPerMinute int           `mapstructure:"max_rows_per_minute"`
}

// CaptureConfig selects the artifact format.
type CaptureConfig struct {
	Format string `mapstructure:"format"`
}

// SentinelConfig configures fatal page detection.
type SentinelConfig struct {
	Keywords        []string `mapstructure:"keywords"`
	VisibleTextOnly bool     `mapstructure:"visible_text_only"`
}

// OutputConfig sets where artifacts land on disk.
type OutputConfig struct {
	Root string `mapstructure:"root"`
}

// StorageConfig enables the optional GCS mirror.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the run history database.
type DBConfig struct {
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	RunsTable string `mapstructure:"runs_table"`
}

// PubSubConfig holds the completion notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LogBusConfig sizes observer buffers.
type LogBusConfig struct {
	ObserverBuffer int `mapstructure:"observer_buffer"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are still registered so AutomaticEnv can
	// override them during Unmarshal.
	for _, key := range []string{
		"auth.api_key",
		"browser.exec_path",
		"browser.user_agent",
		"storage.gcs_bucket",
		"db.dsn",
		"pubsub.project_id",
		"pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("sentinel.keywords", []string{})
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "60s")
	v.SetDefault("browser.settle.login", "2s")
	v.SetDefault("browser.settle.table", "3s")
	v.SetDefault("browser.settle.row", "3s")
	v.SetDefault("browser.settle.tab", "2s")
	v.SetDefault("browser.settle.close", "1s")
	v.SetDefault("scrape.row_xpath", `//tr[starts-with(@id, "R")]`)
	v.SetDefault("scrape.row_wait_timeout", "10s")
	v.SetDefault("scrape.max_rows_per_minute", 0)
	v.SetDefault("capture.format", CapturePDF)
	v.SetDefault("sentinel.visible_text_only", false)
	v.SetDefault("maintenance.zone", maintenance.DefaultZone)
	v.SetDefault("maintenance.start", maintenance.DefaultStart)
	v.SetDefault("maintenance.end", maintenance.DefaultEnd)
	v.SetDefault("output.root", "pdf_output")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.runs_table", "scrape_runs")
	v.SetDefault("logbus.observer_buffer", 256)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout must be > 0")
	}
	if c.Scrape.RowWaitTimeout <= 0 {
		return fmt.Errorf("scrape.row_wait_timeout must be > 0")
	}
	if strings.TrimSpace(c.Scrape.RowXPath) == "" {
		return fmt.Errorf("scrape.row_xpath is required")
	}
	if c.Scrape.MaxRowsPerMinute < 0 {
		return fmt.Errorf("scrape.max_rows_per_minute must be >= 0")
	}
	switch c.Capture.Format {
	case CapturePDF, CaptureHTML:
	default:
		return fmt.Errorf("capture.format must be %q or %q", CapturePDF, CaptureHTML)
	}
	if strings.TrimSpace(c.Output.Root) == "" {
		return fmt.Errorf("output.root is required")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.LogBus.ObserverBuffer <= 0 {
		return fmt.Errorf("logbus.observer_buffer must be > 0")
	}
	return nil
}
