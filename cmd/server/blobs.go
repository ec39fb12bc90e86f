package main

import (
	"fmt"
	"io"

	"github.com/phrazzld/export-queue/internal/config"
	"github.com/phrazzld/export-queue/internal/platform/blob"
)

// nopCloser closes nothing.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupBlobStore opens the configured backend and registers it as the
// fallback bucket. The returned closer releases the backend's connections.
func setupBlobStore(cfg config.BlobConfig) (*blob.Buckets, io.Closer, error) {
	switch cfg.Backend {
	case config.BlobBackendRedis:
		rs, err := blob.NewRedis(blob.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis blob store: %w", err)
		}
		return blob.NewBuckets(rs), rs, nil
	default:
		fs, err := blob.NewFS(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open blob directory: %w", err)
		}
		return blob.NewBuckets(fs), nopCloser{}, nil
	}
}
