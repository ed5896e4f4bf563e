package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/repro/internal/env"
)

// Config locates the S3-compatible bucket used for archiving.
type Config struct {
	Enabled    bool
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	Bucket     string
	MaxRetries uint64
}

// DefaultMaxRetries bounds upload retries per object.
const DefaultMaxRetries = 5

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool(env.ArchiveEnabled, false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool(env.ArchiveUseSSL, false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:    enabled,
		Endpoint:   env.String(env.ArchiveEndpoint, "localhost:9000"),
		AccessKey:  env.String(env.ArchiveAccess, ""),
		SecretKey:  env.String(env.ArchiveSecret, ""),
		Region:     env.String(env.ArchiveRegion, "us-east-1"),
		UseSSL:     useSSL,
		Bucket:     env.String(env.ArchiveBucket, "repro-artifacts"),
		MaxRetries: DefaultMaxRetries,
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
