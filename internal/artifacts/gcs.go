package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig holds Google Cloud Storage settings
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	UploadTimeout   time.Duration
}

// GCSStore writes artifacts to a Cloud Storage bucket
type GCSStore struct {
	client  *storage.Client
	bucket  string
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGCSStore opens a storage client for the configured bucket
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GCSStore{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "artifacts")),
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	name, err := s.objectName(key)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType == "" {
		contentType = ContentTypeForKey(name)
	}
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}

	s.logger.Debug("Artifact uploaded",
		slog.String("bucket", s.bucket),
		slog.String("object", name),
		slog.Int("bytes", len(data)),
	)
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Close releases the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectName(key string) (string, error) {
	k, ok := cleanKey(key)
	if !ok {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	if s.prefix == "" {
		return k, nil
	}
	return path.Join(s.prefix, k), nil
}
