package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Download  DownloadConfig  `yaml:"download"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Log       LogConfig       `yaml:"log"`
	TUI       TUIConfig       `yaml:"tui"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string        `yaml:"host" envconfig:"SERVER_HOST"`
	Port           int           `yaml:"port" envconfig:"SERVER_PORT"`
	APIKey         string        `yaml:"api_key" envconfig:"API_KEY"`
	ReadTimeout    time.Duration `yaml:"read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"SERVER_REQUEST_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" envconfig:"SERVER_ALLOWED_ORIGINS"`
}

// StorageConfig holds temporary workspace configuration.
type StorageConfig struct {
	TempPath     string `yaml:"temp_path" envconfig:"STORAGE_TEMP_PATH"`
	MinFreeBytes uint64 `yaml:"min_free_bytes" envconfig:"STORAGE_MIN_FREE_BYTES"`
}

// ExtractorConfig selects and tunes the extraction backend.
type ExtractorConfig struct {
	Backend             string            `yaml:"backend" envconfig:"EXTRACTOR_BACKEND"`
	BinaryPath          string            `yaml:"binary_path" envconfig:"EXTRACTOR_BINARY_PATH"`
	FFmpegPath          string            `yaml:"ffmpeg_path" envconfig:"FFMPEG_PATH"`
	FFprobePath         string            `yaml:"ffprobe_path" envconfig:"FFPROBE_PATH"`
	Headers             map[string]string `yaml:"headers" envconfig:"EXTRACTOR_HEADERS"`
	IPVersion           int               `yaml:"ip_version" envconfig:"EXTRACTOR_IP_VERSION"`
	Proxy               string            `yaml:"proxy" envconfig:"EXTRACTOR_PROXY"`
	NoCheckCertificates bool              `yaml:"no_check_certificates" envconfig:"EXTRACTOR_NO_CHECK_CERTIFICATES"`
	FragmentRetries     int               `yaml:"fragment_retries" envconfig:"EXTRACTOR_FRAGMENT_RETRIES"`
	SocketTimeout       time.Duration     `yaml:"socket_timeout" envconfig:"EXTRACTOR_SOCKET_TIMEOUT"`
}

// DownloadConfig holds the native stream downloader configuration.
type DownloadConfig struct {
	Timeout       time.Duration `yaml:"timeout" envconfig:"DOWNLOAD_TIMEOUT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"DOWNLOAD_READ_TIMEOUT"`
	RetryDelay    time.Duration `yaml:"retry_delay" envconfig:"DOWNLOAD_RETRY_DELAY"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" envconfig:"DOWNLOAD_MAX_RETRY_DELAY"`
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"DOWNLOAD_MAX_ATTEMPTS"`
	ChunkSize     int64         `yaml:"chunk_size" envconfig:"DOWNLOAD_CHUNK_SIZE"`
	UserAgent     string        `yaml:"user_agent" envconfig:"DOWNLOAD_USER_AGENT"`
}

// FetchConfig controls how a chosen resolution is fetched.
type FetchConfig struct {
	Container        string        `yaml:"container" envconfig:"FETCH_CONTAINER"`
	ListingTTL       time.Duration `yaml:"listing_ttl" envconfig:"FETCH_LISTING_TTL"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"FETCH_TIMEOUT"`
	MaxConcurrent    int           `yaml:"max_concurrent" envconfig:"FETCH_MAX_CONCURRENT"`
	ProgressInterval time.Duration `yaml:"progress_interval" envconfig:"FETCH_PROGRESS_INTERVAL"`
}

// JanitorConfig controls background cleanup of sessions and workspaces.
type JanitorConfig struct {
	Enabled      bool          `yaml:"enabled" envconfig:"JANITOR_ENABLED"`
	Interval     time.Duration `yaml:"interval" envconfig:"JANITOR_INTERVAL"`
	SessionTTL   time.Duration `yaml:"session_ttl" envconfig:"JANITOR_SESSION_TTL"`
	WorkspaceTTL time.Duration `yaml:"workspace_ttl" envconfig:"JANITOR_WORKSPACE_TTL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// TUIConfig holds terminal front end configuration.
type TUIConfig struct {
	DownloadDir string `yaml:"download_dir" envconfig:"TUI_DOWNLOAD_DIR"`
}

// DefaultHeaders is the browser-like header set sent with every outbound request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Referer":         "https://www.google.com/",
		"DNT":             "1",
		"Sec-Fetch-Dest":  "document",
		"Sec-Fetch-Mode":  "navigate",
		"Sec-Fetch-Site":  "cross-site",
	}
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           9848,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   0,
			RequestTimeout: 60 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			TempPath:     filepath.Join(os.TempDir(), "muxgrab"),
			MinFreeBytes: 512 * 1024 * 1024,
		},
		Extractor: ExtractorConfig{
			Backend:         "ytdlp",
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			Headers:         DefaultHeaders(),
			FragmentRetries: 10,
			SocketTimeout:   30 * time.Second,
		},
		Download: DownloadConfig{
			Timeout:       30 * time.Second,
			ReadTimeout:   60 * time.Second,
			RetryDelay:    2 * time.Second,
			MaxRetryDelay: 30 * time.Second,
			MaxAttempts:   3,
			ChunkSize:     10 * 1024 * 1024,
			UserAgent:     DefaultHeaders()["User-Agent"],
		},
		Fetch: FetchConfig{
			Container:        "mp4",
			ListingTTL:       5 * time.Minute,
			Timeout:          30 * time.Minute,
			ProgressInterval: 500 * time.Millisecond,
		},
		Janitor: JanitorConfig{
			Enabled:      true,
			Interval:     time.Minute,
			SessionTTL:   time.Hour,
			WorkspaceTTL: 2 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		TUI: TUIConfig{
			DownloadDir: ".",
		},
	}
}

// Load reads configuration from defaults, then the YAML file, then the
// environment. Later sources override earlier ones.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	// Load from YAML file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Only variables that are set override; fields carry no default tags.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Storage.TempPath == "" {
		return fmt.Errorf("STORAGE_TEMP_PATH is required")
	}
	switch c.Extractor.Backend {
	case "ytdlp", "native":
	default:
		return fmt.Errorf("EXTRACTOR_BACKEND must be ytdlp or native, got %q", c.Extractor.Backend)
	}
	switch c.Extractor.IPVersion {
	case 0, 4, 6:
	default:
		return fmt.Errorf("EXTRACTOR_IP_VERSION must be 0, 4 or 6, got %d", c.Extractor.IPVersion)
	}
	if c.Extractor.FragmentRetries < 0 {
		return fmt.Errorf("EXTRACTOR_FRAGMENT_RETRIES must not be negative")
	}
	if strings.TrimSpace(c.Fetch.Container) == "" {
		return fmt.Errorf("FETCH_CONTAINER is required")
	}
	if c.Fetch.MaxConcurrent < 0 {
		return fmt.Errorf("FETCH_MAX_CONCURRENT must not be negative")
	}
	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_MAX_ATTEMPTS must be at least 1")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("DOWNLOAD_CHUNK_SIZE must be positive")
	}
	if c.Janitor.Enabled {
		if c.Janitor.Interval <= 0 {
			return fmt.Errorf("JANITOR_INTERVAL must be positive when the janitor is enabled")
		}
		// The sweep must never reach a workspace whose fetch is still running.
		if c.Fetch.Timeout <= 0 {
			return fmt.Errorf("FETCH_TIMEOUT must be positive when the janitor is enabled")
		}
		if c.Janitor.WorkspaceTTL <= c.Fetch.Timeout {
			return fmt.Errorf("JANITOR_WORKSPACE_TTL (%s) must exceed FETCH_TIMEOUT (%s)", c.Janitor.WorkspaceTTL, c.Fetch.Timeout)
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (c *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
