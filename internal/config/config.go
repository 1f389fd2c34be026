// Package config loads violsync settings from defaults, an optional config
// file and VIOLSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chmdznr/violsync/pkg/models"
)

const envPrefix = "VIOLSYNC"

// Config is the full application configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Capture      CaptureConfig      `mapstructure:"capture"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CaptureConfig struct {
	Categories []string `mapstructure:"categories"`
	UserID     string   `mapstructure:"user_id"`
}

type SyncConfig struct {
	Workers  int           `mapstructure:"workers"`
	FollowUp bool          `mapstructure:"follow_up"`
	Interval time.Duration `mapstructure:"interval"`
}

type UploadConfig struct {
	Provider string           `mapstructure:"provider"`
	HTTP     UploadHTTPConfig `mapstructure:"http"`
	Minio    MinioConfig      `mapstructure:"minio"`
}

type UploadHTTPConfig struct {
	URL          string        `mapstructure:"url"`
	UploadPreset string        `mapstructure:"upload_preset"`
	URLField     string        `mapstructure:"url_field"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type MinioConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Bucket        string `mapstructure:"bucket"`
	Folder        string `mapstructure:"folder"`
	Region        string `mapstructure:"region"`
	Secure        bool   `mapstructure:"secure"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type RemoteConfig struct {
	Transport string               `mapstructure:"transport"`
	HTTP      RemoteHTTPConfig     `mapstructure:"http"`
	Postgres  RemotePostgresConfig `mapstructure:"postgres"`
}

type RemoteHTTPConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RemotePostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

type ConnectivityConfig struct {
	Source    string        `mapstructure:"source"`
	ProbeURL  string        `mapstructure:"probe_url"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StateFile string        `mapstructure:"state_file"`
}

// Categories returns the configured category list, or the defaults when empty
func (c *Config) Categories() []models.Category {
	if len(c.Capture.Categories) == 0 {
		return models.DefaultCategories
	}
	return models.ParseCategories(c.Capture.Categories)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "violations.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.follow_up", true)
	v.SetDefault("sync.interval", 5*time.Minute)

	v.SetDefault("upload.provider", "http")
	v.SetDefault("upload.http.url_field", "secure_url")
	v.SetDefault("upload.http.timeout", 60*time.Second)
	v.SetDefault("upload.minio.folder", "violations")
	v.SetDefault("upload.minio.secure", true)

	v.SetDefault("remote.transport", "http")
	v.SetDefault("remote.http.timeout", 30*time.Second)
	v.SetDefault("remote.postgres.table", "violations")

	v.SetDefault("connectivity.source", "probe")
	v.SetDefault("connectivity.interval", 15*time.Second)
	v.SetDefault("connectivity.timeout", 5*time.Second)
}

// envOnlyKeys have no default, so they must be bound for Unmarshal to see them.
var envOnlyKeys = []string{
	"log.file",
	"capture.categories", "capture.user_id",
	"upload.http.url", "upload.http.upload_preset",
	"upload.minio.endpoint", "upload.minio.access_key", "upload.minio.secret_key",
	"upload.minio.bucket", "upload.minio.region", "upload.minio.public_base_url",
	"remote.http.url", "remote.http.token",
	"remote.postgres.dsn", "remote.postgres.max_conns",
	"connectivity.probe_url", "connectivity.state_file",
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Upload.Provider {
	case "http", "minio":
	default:
		errs = append(errs, fmt.Errorf("upload.provider must be http or minio, got %q", c.Upload.Provider))
	}
	switch c.Remote.Transport {
	case "http", "postgres":
	default:
		errs = append(errs, fmt.Errorf("remote.transport must be http or postgres, got %q", c.Remote.Transport))
	}
	switch c.Connectivity.Source {
	case "probe", "file":
	default:
		errs = append(errs, fmt.Errorf("connectivity.source must be probe or file, got %q", c.Connectivity.Source))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers))
	}
	return errors.Join(errs...)
}
