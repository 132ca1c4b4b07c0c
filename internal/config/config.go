package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Indexer     IndexerConfig     `mapstructure:"indexer"`
	QBittorrent QBittorrentConfig `mapstructure:"qbittorrent"`
	Plex        PlexConfig        `mapstructure:"plex"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// IndexerConfig holds torrent indexer configuration.
type IndexerConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Category int           `mapstructure:"category"`
}

// QBittorrentConfig holds download client configuration.
type QBittorrentConfig struct {
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Category string `mapstructure:"category"`
}

// PlexConfig holds media server configuration.
type PlexConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Section string        `mapstructure:"section"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig holds notification delivery configuration.
// Notifications fall back to the log when the token is empty.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// WorkflowConfig holds the request workflow engine knobs. The exact
// backoff curve, retry ceilings and polling bounds are deliberately
// configuration rather than constants so operators can tune them
// without a rebuild.
type WorkflowConfig struct {
	SelectionTimeout   time.Duration `mapstructure:"selection_timeout"`
	SubmitRetries      int           `mapstructure:"submit_retries"`
	DownloadRetries    int           `mapstructure:"download_retries"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollFailureLimit   int           `mapstructure:"poll_failure_limit"`
	ProgressStep       float64       `mapstructure:"progress_step"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	ExtractTimeout     time.Duration `mapstructure:"extract_timeout"`
	LibraryPollRetries int           `mapstructure:"library_poll_retries"`
	LibraryPollBackoff time.Duration `mapstructure:"library_poll_backoff"`
	LibraryPollMaxWait time.Duration `mapstructure:"library_poll_max_wait"`
	MaxActiveDownloads int           `mapstructure:"max_active_downloads"`
}

// RateLimitRule holds a single per-user rate limit window.
type RateLimitRule struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig holds per-action rate limit rules.
type RateLimitConfig struct {
	Search  RateLimitRule `mapstructure:"search"`
	Select  RateLimitRule `mapstructure:"select"`
	History RateLimitRule `mapstructure:"history"`
	Default RateLimitRule `mapstructure:"default"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fetcharr")
	}

	v.SetEnvPrefix("FETCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7878)
	v.SetDefault("server.api_key", "")

	v.SetDefault("database.path", "./data/fetcharr.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("indexer.url", "https://apibay.org")
	v.SetDefault("indexer.timeout", "30s")
	v.SetDefault("indexer.category", 200)

	v.SetDefault("qbittorrent.host", "http://localhost:8080")
	v.SetDefault("qbittorrent.username", "admin")
	v.SetDefault("qbittorrent.password", "")
	v.SetDefault("qbittorrent.category", "fetcharr")

	v.SetDefault("plex.url", "http://localhost:32400")
	v.SetDefault("plex.token", "")
	v.SetDefault("plex.section", "1")
	v.SetDefault("plex.timeout", "30s")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	v.SetDefault("workflow.selection_timeout", "5m")
	v.SetDefault("workflow.submit_retries", 2)
	v.SetDefault("workflow.download_retries", 2)
	v.SetDefault("workflow.poll_interval", "10s")
	v.SetDefault("workflow.poll_failure_limit", 10)
	v.SetDefault("workflow.progress_step", 0.1)
	v.SetDefault("workflow.retry_backoff", "2s")
	v.SetDefault("workflow.extract_timeout", "10m")
	v.SetDefault("workflow.library_poll_retries", 8)
	v.SetDefault("workflow.library_poll_backoff", "5s")
	v.SetDefault("workflow.library_poll_max_wait", "2m")
	v.SetDefault("workflow.max_active_downloads", 3)

	v.SetDefault("ratelimit.search.max", 5)
	v.SetDefault("ratelimit.search.window", "1m")
	v.SetDefault("ratelimit.select.max", 3)
	v.SetDefault("ratelimit.select.window", "1m")
	v.SetDefault("ratelimit.history.max", 10)
	v.SetDefault("ratelimit.history.window", "1m")
	v.SetDefault("ratelimit.default.max", 20)
	v.SetDefault("ratelimit.default.window", "1m")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
