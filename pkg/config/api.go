package config

import (
	"fmt"
	"path/filepath"
)

const (
	// DefaultHistoryDriver stores run history in a local SQLite file.
	DefaultHistoryDriver = "sqlite"

	// DefaultListen is the default API server listen address.
	DefaultListen = ":8080"
)

// HistoryConfig contains run history database settings.
type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Driver   string         `yaml:"driver,omitempty" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings for the
// history database.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

func (h *HistoryConfig) applyDefaults(resultsDir string) {
	if !h.Enabled {
		return
	}

	if h.Driver == "" {
		h.Driver = DefaultHistoryDriver
	}

	if h.Driver == DefaultHistoryDriver && h.SQLite.Path == "" {
		h.SQLite.Path = filepath.Join(resultsDir, "history.db")
	}

	if h.Driver == "postgres" {
		if h.Postgres.Port == 0 {
			h.Postgres.Port = 5432
		}

		if h.Postgres.SSLMode == "" {
			h.Postgres.SSLMode = "disable"
		}
	}
}

func (h *HistoryConfig) validate() error {
	if !h.Enabled {
		return nil
	}

	switch h.Driver {
	case "sqlite":
		if h.SQLite.Path == "" {
			return fmt.Errorf("history sqlite path is required")
		}
	case "postgres":
		if h.Postgres.Host == "" {
			return fmt.Errorf("history postgres host is required")
		}

		if h.Postgres.Database == "" {
			return fmt.Errorf("history postgres database is required")
		}
	default:
		return fmt.Errorf("unsupported history driver: %s", h.Driver)
	}

	return nil
}

// UploadConfig contains result upload settings.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3 settings for uploading run results.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

func (u *UploadConfig) validate() error {
	if u.S3 == nil || !u.S3.Enabled {
		return nil
	}

	if u.S3.Bucket == "" {
		return fmt.Errorf("s3 upload bucket is required")
	}

	return nil
}

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen,omitempty" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	Auth        AdminAuthConfig `yaml:"auth,omitempty" mapstructure:"auth"`
}

// AdminAuthConfig configures basic auth for destructive API endpoints.
// The password hash is a bcrypt hash; plain passwords never appear in
// config files.
type AdminAuthConfig struct {
	Username     string `yaml:"username,omitempty" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash,omitempty" mapstructure:"password_hash"`
}

func (s *ServerConfig) applyDefaults() {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
}
