package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/animus-labs/snippet-marshal/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketContent string
	// Prefix is prepended to every object key, letting several deployments share a bucket.
	Prefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MARSHAL_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("MARSHAL_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("MARSHAL_MINIO_ACCESS_KEY", "marshal"),
		SecretKey:     env.String("MARSHAL_MINIO_SECRET_KEY", "marshalminio"),
		Region:        env.String("MARSHAL_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketContent: env.String("MARSHAL_MINIO_BUCKET_CONTENT", "snippets"),
		Prefix:        strings.Trim(env.String("MARSHAL_MINIO_PREFIX", ""), "/"),
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
	if err := s3utils.CheckValidBucketNameStrict(c.BucketContent); err != nil {
		return fmt.Errorf("MARSHAL_MINIO_BUCKET_CONTENT: %w", err)
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
