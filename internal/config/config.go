// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/radif/uploader/internal/filename"
)

// ErrInvalid is wrapped by every error returned from Load.
var ErrInvalid = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverS3    = "s3"
	DriverMinio = "minio"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Port     string `env:"PORT" env-default:"3000" validate:"required,numeric"`
	AppEnv   string `env:"APP_ENV" env-default:"development"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`

	Upload  Upload
	Storage Storage

	// JWTSecret enables Bearer authentication on the upload route when set.
	JWTSecret string `env:"JWT_SECRET"`

	// RedisAddr enables per-client rate limiting when set.
	RedisAddr string `env:"REDIS_ADDR"`
	RateLimit int64  `env:"UPLOAD_RATE_LIMIT" env-default:"30" validate:"gt=0"`
}

// Upload configures the upload pipeline.
type Upload struct {
	Field           string        `env:"UPLOAD_FIELD" env-default:"image" validate:"required"`
	KeyPrefix       string        `env:"UPLOAD_KEY_PREFIX" env-default:"uploads"`
	KeyPolicy       string        `env:"UPLOAD_KEY_POLICY" env-default:"timestamp" validate:"oneof=timestamp original"`
	ContentType     string        `env:"UPLOAD_CONTENT_TYPE" env-default:"auto" validate:"oneof=auto declared"`
	AllowedScripts  []string      `env:"UPLOAD_ALLOWED_SCRIPTS" env-default:"Thai" validate:"dive,script"`
	MaxBytes        int64         `env:"UPLOAD_MAX_BYTES" env-default:"0" validate:"gte=0"`
	TransferTimeout time.Duration `env:"UPLOAD_TRANSFER_TIMEOUT" env-default:"0s" validate:"gte=0"`
	ExposeErrors    bool          `env:"UPLOAD_EXPOSE_ERRORS" env-default:"true"`
}

// Storage configures the object store. Credentials are read from the AWS_*
// variables for both drivers.
type Storage struct {
	Driver          string `env:"STORAGE_DRIVER" env-default:"s3" validate:"oneof=s3 minio"`
	Region          string `env:"AWS_REGION" validate:"required_if=Driver s3"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" validate:"required"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" validate:"required"`
	Bucket          string `env:"AWS_BUCKET_NAME" validate:"required"`

	// Endpoint is the minio host:port, or an endpoint override for s3
	// (LocalStack, MinIO) given as a URL.
	Endpoint   string `env:"STORAGE_ENDPOINT" validate:"required_if=Driver minio"`
	UseSSL     bool   `env:"STORAGE_USE_SSL" env-default:"true"`
	PathStyle  bool   `env:"STORAGE_PATH_STYLE" env-default:"false"`
	PublicBase string `env:"STORAGE_PUBLIC_BASE" validate:"omitempty,url"`
	PublicRead bool   `env:"STORAGE_PUBLIC_READ" env-default:"false"`
	MaxRetries int    `env:"STORAGE_MAX_RETRIES" env-default:"1" validate:"gte=1"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, then validates it.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	for i, s := range cfg.Upload.AllowedScripts {
		cfg.Upload.AllowedScripts[i] = strings.TrimSpace(s)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("script", func(fl validator.FieldLevel) bool {
		return filename.Supported(fl.Field().String())
	})
	return v
}

// IsProduction returns true when the app is running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
