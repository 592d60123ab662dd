package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DirStore writes artifacts below a local directory
type DirStore struct {
	root   string
	logger *slog.Logger
}

// NewDirStore creates the root directory if needed
func NewDirStore(root string, logger *slog.Logger) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &DirStore{
		root:   abs,
		logger: logger.With(slog.String("component", "artifacts")),
	}, nil
}

func (s *DirStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, ok := cleanKey(key)
	if !ok {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}

	dst := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}

	s.logger.Debug("Artifact stored",
		slog.String("key", k),
		slog.Int("bytes", len(data)),
	)
	return "file://" + filepath.ToSlash(dst), nil
}
