package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pollenisator/internal/utils"
	apperrors "pollenisator/pkg/errors"
)

const maxCacheTTL = 30 * time.Second

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Files    FilesConfig    `mapstructure:"files"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Autoscan AutoscanConfig `mapstructure:"autoscan"`
	Cache    CacheConfig    `mapstructure:"cache"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Backend  string `mapstructure:"backend"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MongoURI string `mapstructure:"mongo_uri"`
}

// DSN is the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type FilesConfig struct {
	Root            string `mapstructure:"root"`
	ImportDir       string `mapstructure:"import_dir"`
	WorkerOutputDir string `mapstructure:"worker_output_dir"`
}

type WorkersConfig struct {
	MaxRunning       int           `mapstructure:"max_running"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

type AutoscanConfig struct {
	Tick          time.Duration `mapstructure:"tick"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type DiscordConfig struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
}

type PluginsConfig struct {
	// SensitivePaths is a YAML or text file of extra paths ffuf results
	// are checked against.
	SensitivePaths string `mapstructure:"sensitive_paths"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns every configuration key with its default value.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.host":               "0.0.0.0",
		"server.port":               5000,
		"database.backend":          "memory",
		"database.host":             "localhost",
		"database.port":             5432,
		"database.user":             "pollenisator",
		"database.password":         "pollenisator",
		"database.name":             "pollenisator",
		"database.sslmode":          "disable",
		"database.mongo_uri":        "mongodb://localhost:27017",
		"files.root":                "./data",
		"files.import_dir":          "",
		"files.worker_output_dir":   "/tmp/pollenisator",
		"workers.max_running":       5,
		"workers.heartbeat_timeout": "30s",
		"workers.rpc_timeout":       "3s",
		"workers.sweep_interval":    "10s",
		"workers.token_ttl":         "24h",
		"autoscan.tick":             "3s",
		"autoscan.max_concurrent":   0,
		"cache.ttl":                 "30s",
		"cache.size":                4096,
		"nats.url":                  "",
		"nats.subject_prefix":       "pollenisator",
		"discord.token":             "",
		"discord.channel_id":        "",
		"plugins.sensitive_paths":   "",
		"log.level":                 "info",
		"log.format":                "text",
	}
}

// Load reads pollenisator.yaml from the search paths, or path when given,
// overlays POLLENISATOR_* environment variables and validates the result.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	opts := utils.ConfigOptions{
		ConfigPath:  "./config",
		ConfigName:  "pollenisator",
		ConfigType:  "yaml",
		EnvPrefix:   "POLLENISATOR",
		DefaultsMap: Defaults(),
		Optional:    true,
	}
	if path != "" {
		opts.ConfigFile = path
		opts.ConfigType = strings.TrimPrefix(filepath.Ext(path), ".")
		if opts.ConfigType == "" {
			opts.ConfigType = "yaml"
		}
		opts.Optional = false
	}

	v, err := utils.NewViperConfigWithOptions(opts)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable settings and clamps the cache TTL.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory", "postgres", "mongo":
	default:
		return apperrors.NewValidationError("database.backend", c.Database.Backend, "must be memory, postgres or mongo")
	}
	if c.Workers.MaxRunning <= 0 {
		return apperrors.NewValidationError("workers.max_running", c.Workers.MaxRunning, "must be positive")
	}
	if c.Workers.RPCTimeout <= 0 {
		return apperrors.NewValidationError("workers.rpc_timeout", c.Workers.RPCTimeout, "must be positive")
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		return apperrors.NewValidationError("workers.heartbeat_timeout", c.Workers.HeartbeatTimeout, "must be positive")
	}
	if c.Autoscan.Tick <= 0 {
		return apperrors.NewValidationError("autoscan.tick", c.Autoscan.Tick, "must be positive")
	}
	if c.Workers.SweepInterval <= 0 {
		c.Workers.SweepInterval = c.Workers.HeartbeatTimeout / 3
	}
	if c.Autoscan.MaxConcurrent < 0 {
		c.Autoscan.MaxConcurrent = 0
	}
	if c.Cache.TTL <= 0 || c.Cache.TTL > maxCacheTTL {
		c.Cache.TTL = maxCacheTTL
	}
	if c.Files.Root == "" {
		return apperrors.NewValidationError("files.root", c.Files.Root, "must not be empty")
	}
	return nil
}
