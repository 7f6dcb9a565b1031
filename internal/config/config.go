package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nclbk/internal/domain"
)

const DefaultAPIPath = "/index.php/apps/bookmarks/public/rest/v2"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Remote    RemoteConfig   `yaml:"remote"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Sync      SyncConfig     `yaml:"sync"`
	Database  DatabaseConfig `yaml:"database"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIPath    string        `yaml:"api_path"`
	AuthID     string        `yaml:"auth_id"`
	AuthSecret string        `yaml:"auth_secret"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
	RateBurst  int           `yaml:"rate_burst"`
	Retry      RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type ArchiveConfig struct {
	Command   string        `yaml:"command"`
	OutputDir string        `yaml:"output_dir"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Tags        []string      `yaml:"tags"`
	Filters     []string      `yaml:"filters"`
	Unavailable bool          `yaml:"unavailable"`
	Download    bool          `yaml:"download"`
	Remove      bool          `yaml:"remove"`
	Interval    time.Duration `yaml:"interval"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// Query builds the bookmark selection for one run.
func (s SyncConfig) Query() domain.Query {
	return domain.Query{
		Tags:        append([]string(nil), s.Tags...),
		Filters:     append([]string(nil), s.Filters...),
		Unavailable: s.Unavailable,
	}
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the connection string in URL form, as the migrator expects.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// RunConfig combines the archive and sync switches for one run.
func (c *Config) RunConfig() domain.RunConfig {
	return domain.RunConfig{
		Download:  c.Sync.Download,
		Remove:    c.Sync.Remove,
		Command:   c.Archive.Command,
		OutputDir: c.Archive.OutputDir,
	}
}

// Load reads the YAML file at path (skipped when path is empty), expands
// ${VAR} references, applies NCLBK_* overrides and fills defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NCLBK_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("NCLBK_AUTH_ID"); v != "" {
		c.Remote.AuthID = v
	}
	if v := os.Getenv("NCLBK_AUTH_SECRET"); v != "" {
		c.Remote.AuthSecret = v
	}
}

func (c *Config) setDefaults() {
	if c.Remote.APIPath == "" {
		c.Remote.APIPath = DefaultAPIPath
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.RateLimit == 0 {
		c.Remote.RateLimit = 5
	}
	if c.Remote.RateBurst == 0 {
		c.Remote.RateBurst = 1
	}
	if c.Remote.Retry.MaxAttempts == 0 {
		c.Remote.Retry.MaxAttempts = 3
	}
	if c.Remote.Retry.InitialBackoff == 0 {
		c.Remote.Retry.InitialBackoff = 1 * time.Second
	}
	if c.Remote.Retry.MaxBackoff == 0 {
		c.Remote.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Archive.Command == "" {
		c.Archive.Command = "yt-dlp"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 1 * time.Hour
	}
	if c.Sync.RunTimeout == 0 {
		c.Sync.RunTimeout = 30 * time.Minute
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "nclbk"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "bookmark_outcomes"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "bookmark_outcomes"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("%w: remote.base_url is required", ErrInvalid)
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: remote.base_url %q is not an absolute URL", ErrInvalid, c.Remote.BaseURL)
	}
	if c.Remote.AuthID == "" {
		return fmt.Errorf("%w: remote.auth_id is required", ErrInvalid)
	}
	if c.Sync.Download && c.Archive.Command == "" {
		return fmt.Errorf("%w: archive.command is required when downloading", ErrInvalid)
	}
	if c.Remote.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: remote.retry.max_attempts must be at least 1", ErrInvalid)
	}
	return nil
}
