// Package config loads the server configuration from defaults, an optional
// YAML file, a .env file, the environment and command-line flags, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DefaultListen         = ":3002"
	DefaultLogLevel       = "info"
	DefaultStorageType    = "memory"
	DefaultWriteDebounce  = "5s"
	DefaultEvictionGrace  = "30s"
	DefaultExpiryInterval = "60s"
	DefaultLoadTimeout    = "10s"
	DefaultWriteTimeout   = "10s"
	DefaultWriteRetries   = 3
	DefaultMongoDatabase  = "whiteboard"
)

// Config is the configuration of the whiteboard server.
type Config struct {
	Listen   string `yaml:"Listen" validate:"required"`
	LogLevel string `yaml:"LogLevel" validate:"required,oneof=trace debug info warn warning error fatal panic"`

	Storage Storage `yaml:"Storage"`
	Auth    Auth    `yaml:"Auth"`
	Sync    Sync    `yaml:"Sync"`

	AllowedOrigins []string `yaml:"AllowedOrigins"`
}

// Storage selects and configures the durable store.
type Storage struct {
	Type           string `yaml:"Type" validate:"required,oneof=memory filesystem sqlite s3 mongo postgres"`
	LocalPath      string `yaml:"LocalPath" validate:"required_if=Type filesystem"`
	DataSourceName string `yaml:"DataSourceName" validate:"required_if=Type sqlite"`
	S3BucketName   string `yaml:"S3BucketName" validate:"required_if=Type s3"`
	MongoURI       string `yaml:"MongoURI" validate:"required_if=Type mongo"`
	MongoDatabase  string `yaml:"MongoDatabase" validate:"required_if=Type mongo"`
	PostgresDSN    string `yaml:"PostgresDSN" validate:"required_if=Type postgres"`
}

// Auth configures identity verification of connecting clients. Left unset,
// AllowAnonymous is on only when no JWTSecret is configured.
type Auth struct {
	JWTSecret      string `yaml:"JWTSecret"`
	AllowAnonymous *bool  `yaml:"AllowAnonymous"`
}

// AnonymousAllowed resolves AllowAnonymous against JWTSecret.
func (a Auth) AnonymousAllowed() bool {
	if a.AllowAnonymous != nil {
		return *a.AllowAnonymous
	}
	return a.JWTSecret == ""
}

// Sync holds the timing constants of the sync core. Durations use
// time.ParseDuration syntax.
type Sync struct {
	WriteDebounce  string `yaml:"WriteDebounce" validate:"required"`
	EvictionGrace  string `yaml:"EvictionGrace" validate:"required"`
	ExpiryInterval string `yaml:"ExpiryInterval" validate:"required"`
	LoadTimeout    string `yaml:"LoadTimeout" validate:"required"`
	WriteTimeout   string `yaml:"WriteTimeout" validate:"required"`
	WriteRetries   int    `yaml:"WriteRetries" validate:"gte=0"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Listen:   DefaultListen,
		LogLevel: DefaultLogLevel,
		Storage: Storage{
			Type:          DefaultStorageType,
			MongoDatabase: DefaultMongoDatabase,
		},
		Sync: Sync{
			WriteDebounce:  DefaultWriteDebounce,
			EvictionGrace:  DefaultEvictionGrace,
			ExpiryInterval: DefaultExpiryInterval,
			LoadTimeout:    DefaultLoadTimeout,
			WriteTimeout:   DefaultWriteTimeout,
			WriteRetries:   DefaultWriteRetries,
		},
	}
}

// Load builds a Config. path is an optional YAML file; envFiles are
// optional .env files loaded into the process environment (missing files
// are ignored).
func Load(path string, envFiles ...string) (*Config, error) {
	conf := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		var existing []string
		for _, f := range envFiles {
			if _, err := os.Stat(f); err == nil {
				existing = append(existing, f)
			}
		}
		if len(existing) > 0 {
			if err := godotenv.Load(existing...); err != nil {
				return nil, fmt.Errorf("load env files: %w", err)
			}
		}
	}

	if err := conf.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.LogLevel)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("LOCAL_STORAGE_PATH", &c.Storage.LocalPath)
	str("DATA_SOURCE_NAME", &c.Storage.DataSourceName)
	str("S3_BUCKET_NAME", &c.Storage.S3BucketName)
	str("MONGO_URI", &c.Storage.MongoURI)
	str("MONGO_DATABASE", &c.Storage.MongoDatabase)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("WRITE_DEBOUNCE", &c.Sync.WriteDebounce)
	str("EVICTION_GRACE", &c.Sync.EvictionGrace)
	str("EXPIRY_INTERVAL", &c.Sync.ExpiryInterval)
	str("LOAD_TIMEOUT", &c.Sync.LoadTimeout)
	str("WRITE_TIMEOUT", &c.Sync.WriteTimeout)

	if v, ok := lookup("ALLOW_ANONYMOUS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ALLOW_ANONYMOUS %q: %w", v, err)
		}
		c.Auth.AllowAnonymous = &b
	}
	if v, ok := lookup("WRITE_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WRITE_RETRIES %q: %w", v, err)
		}
		c.Sync.WriteRetries = n
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
	return nil
}

// Validate returns an error if the provided Config is invalid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config field %s (%s=%s): %w", fe.Namespace(), fe.Tag(), fe.Param(), err)
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	for name, value := range map[string]string{
		"WriteDebounce":  c.Sync.WriteDebounce,
		"EvictionGrace":  c.Sync.EvictionGrace,
		"ExpiryInterval": c.Sync.ExpiryInterval,
		"LoadTimeout":    c.Sync.LoadTimeout,
		"WriteTimeout":   c.Sync.WriteTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid argument %s for %s: %w", value, name, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid argument %s for %s: must be positive", value, name)
		}
	}

	if c.Auth.JWTSecret == "" && !c.Auth.AnonymousAllowed() {
		return errors.New("either JWT_SECRET must be set or ALLOW_ANONYMOUS enabled")
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("duration %q was not validated: %v", s, err))
	}
	return d
}

// WriteDebounceDuration returns the persistence coalescing window.
func (s Sync) WriteDebounceDuration() time.Duration { return mustDuration(s.WriteDebounce) }

// EvictionGraceDuration returns how long an empty room stays resident.
func (s Sync) EvictionGraceDuration() time.Duration { return mustDuration(s.EvictionGrace) }

// ExpiryIntervalDuration returns the period of the expiry sweep.
func (s Sync) ExpiryIntervalDuration() time.Duration { return mustDuration(s.ExpiryInterval) }

// LoadTimeoutDuration bounds a durable load.
func (s Sync) LoadTimeoutDuration() time.Duration { return mustDuration(s.LoadTimeout) }

// WriteTimeoutDuration bounds a durable write.
func (s Sync) WriteTimeoutDuration() time.Duration { return mustDuration(s.WriteTimeout) }
