// Package objstore abstracts where finished generation outputs are kept.
// The engine only needs "store these bytes, give me back a reference".
package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists an opaque blob and returns a stable reference to it.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (ref string, err error)
}

// FSStore writes blobs under a base directory. Suitable for single-node
// deployments; a bucket-backed implementation slots in behind the same
// interface.
type FSStore struct {
	baseDir string
	logger  *zap.Logger
}

func NewFSStore(baseDir string, logger *zap.Logger) (*FSStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("objstore: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir, logger: logger}, nil
}

// Put writes data to a new file and returns its path as the reference.
func (s *FSStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.New().String() + extensionFor(contentType)
	path := filepath.Join(s.baseDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("objstore: failed to write object: %w", err)
	}

	s.logger.Debug("Stored object", zap.String("ref", path), zap.Int("bytes", len(data)))
	return path, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg", "":
		return ".jpg"
	default:
		return ".bin"
	}
}
