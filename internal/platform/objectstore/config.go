package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/driftline/snapgate/internal/platform/env"
)

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("SNAPGATE_STORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("SNAPGATE_STORE_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("SNAPGATE_STORE_ACCESS_KEY", "snapgate"),
		SecretKey: env.String("SNAPGATE_STORE_SECRET_KEY", "snapgatestore"),
		Region:    env.String("SNAPGATE_STORE_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("SNAPGATE_STORE_BUCKET", "snapshots"),
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
