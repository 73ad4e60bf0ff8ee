package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"go2tv.app/mini-dlna/internal/domain"
)

const (
	DefaultPort            = 8200
	DefaultInitialInterval = 60
	DefaultMaxInterval     = 1800
	DefaultMaxAge          = 1800
	DefaultBackoffWarn     = 0.8
	DefaultChunkSize       = 64 * 1024
	DefaultCacheEntries    = 128
	DefaultCacheMaxBytes   = 4 << 20
	DefaultSearchResults   = 200
)

// Config is the complete server configuration.
type Config struct {
	SharedPaths []string        `yaml:"shared_paths"`
	Server      ServerConfig    `yaml:"server"`
	SSDP        SSDPConfig      `yaml:"ssdp"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Thumbnails  ThumbnailConfig `yaml:"thumbnails"`
	Metadata    MetadataConfig  `yaml:"metadata"`
	Search      SearchConfig    `yaml:"search"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	FriendlyName string   `yaml:"friendly_name"`
	UUID         string   `yaml:"uuid"`
	Address      string   `yaml:"address"`
	Port         int      `yaml:"port"`
	Interfaces   []string `yaml:"interfaces"`
}

type SSDPConfig struct {
	InitialInterval  int     `yaml:"initial_interval"` // seconds
	MaxInterval      int     `yaml:"max_interval"`     // seconds
	MaxAge           int     `yaml:"max_age"`          // seconds
	BackoffWarnRatio float64 `yaml:"backoff_warn_ratio"`
}

type StreamingConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type ThumbnailConfig struct {
	CacheEntries int   `yaml:"cache_entries"`
	MaxBytes     int64 `yaml:"max_bytes"`
}

type MetadataConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	ReadTags   *bool  `yaml:"read_tags"`
}

type SearchConfig struct {
	Enabled    *bool `yaml:"enabled"`
	MaxResults int   `yaml:"max_results"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

var hostname = os.Hostname

// Load reads, defaults and validates the configuration file. Every error it
// returns is configuration-fatal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fatal("read config", fmt.Errorf("failed to read config file %s: %w", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fatal("parse config", fmt.Errorf("failed to parse config file %s: %w", path, err))
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fatal("validate config", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values and normalizes shared paths.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if strings.TrimSpace(c.Server.FriendlyName) == "" {
		name, err := hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
		c.Server.FriendlyName = "mini-dlna: " + name
	}
	if strings.TrimSpace(c.Server.UUID) == "" {
		c.Server.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.Server.FriendlyName)).String()
	}

	if c.SSDP.InitialInterval == 0 {
		c.SSDP.InitialInterval = DefaultInitialInterval
	}
	if c.SSDP.MaxInterval == 0 {
		c.SSDP.MaxInterval = DefaultMaxInterval
	}
	if c.SSDP.MaxAge == 0 {
		c.SSDP.MaxAge = DefaultMaxAge
	}
	if c.SSDP.BackoffWarnRatio == 0 {
		c.SSDP.BackoffWarnRatio = DefaultBackoffWarn
	}
	if c.Streaming.ChunkSize == 0 {
		c.Streaming.ChunkSize = DefaultChunkSize
	}
	if c.Thumbnails.CacheEntries == 0 {
		c.Thumbnails.CacheEntries = DefaultCacheEntries
	}
	if c.Thumbnails.MaxBytes == 0 {
		c.Thumbnails.MaxBytes = DefaultCacheMaxBytes
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = DefaultSearchResults
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	normalized := make([]string, 0, len(c.SharedPaths))
	for _, p := range c.SharedPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if expanded, err := homedir.Expand(p); err == nil {
			p = expanded
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		normalized = append(normalized, filepath.Clean(p))
	}
	c.SharedPaths = normalized
}

// Validate performs validation of the whole configuration.
func (c *Config) Validate() error {
	if len(c.SharedPaths) == 0 {
		return errors.New("shared_paths must list at least one directory")
	}
	for _, p := range c.SharedPaths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("shared path %s: %w", p, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("shared path %s is not a directory", p)
		}
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.SSDP.Validate(); err != nil {
		return fmt.Errorf("ssdp config: %w", err)
	}
	if c.Streaming.ChunkSize < 4096 {
		return fmt.Errorf("streaming config: chunk_size must be at least 4096 bytes, got %d", c.Streaming.ChunkSize)
	}
	if c.Thumbnails.CacheEntries < 1 {
		return fmt.Errorf("thumbnails config: cache_entries must be at least 1, got %d", c.Thumbnails.CacheEntries)
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search config: max_results must be at least 1, got %d", c.Search.MaxResults)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if _, err := uuid.Parse(s.UUID); err != nil {
		return fmt.Errorf("uuid %q is not valid: %w", s.UUID, err)
	}
	return nil
}

func (s *SSDPConfig) Validate() error {
	if s.InitialInterval < 1 {
		return fmt.Errorf("initial_interval must be at least 1 second, got %d", s.InitialInterval)
	}
	if s.MaxInterval < s.InitialInterval {
		return fmt.Errorf("max_interval (%d) must not be below initial_interval (%d)", s.MaxInterval, s.InitialInterval)
	}
	if s.MaxAge < 60 {
		return fmt.Errorf("max_age must be at least 60 seconds, got %d", s.MaxAge)
	}
	if s.BackoffWarnRatio <= 0 || s.BackoffWarnRatio > 1 {
		return fmt.Errorf("backoff_warn_ratio must be in (0, 1], got %f", s.BackoffWarnRatio)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// GetInitialInterval returns the first steady-state announce interval.
func (s *SSDPConfig) GetInitialInterval() time.Duration {
	return time.Duration(s.InitialInterval) * time.Second
}

// GetMaxInterval returns the announce interval cap.
func (s *SSDPConfig) GetMaxInterval() time.Duration {
	return time.Duration(s.MaxInterval) * time.Second
}

func (m *MetadataConfig) TagsEnabled() bool {
	return m.ReadTags == nil || *m.ReadTags
}

func (s *SearchConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ListenAddr is the host:port the HTTP front end binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func fatal(op string, err error) error {
	return domain.NewError(domain.KindConfigurationFatal, op, err)
}
