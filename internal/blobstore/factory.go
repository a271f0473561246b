package blobstore

import (
	"fmt"
	"log/slog"
)

type Config struct {
	Type   string
	Bucket string
	Region string
	// Endpoint points the S3 client at an S3-compatible service such as
	// MinIO. Empty means AWS.
	Endpoint string
}

// New returns the store for cfg.Type. "none" and "" return a nil store:
// archiving is disabled.
func New(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("blobstore: s3 requires a non-empty bucket name")
		}
		logger.Info("archive store: s3",
			slog.String("bucket", cfg.Bucket), slog.String("region", cfg.Region), slog.String("endpoint", cfg.Endpoint))
		client, err := newAWSS3Client(cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("blobstore: create s3 client: %w", err)
		}
		return NewS3Store(client, cfg.Bucket), nil
	case "memory":
		logger.Warn("archive store: in-memory (development only)")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown store type %q", cfg.Type)
	}
}
