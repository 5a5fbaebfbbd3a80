// Package storage defines the artifact store abstraction shared by the local
// filesystem layout and the optional cloud mirror.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// BlobStore persists one artifact under a slash-separated object path and
// returns a URI describing where it landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Mirrored writes to a primary store and then copies the same bytes to every
// mirror. Only the primary result decides success; mirror failures are
// logged.
type Mirrored struct {
	primary BlobStore
	mirrors []BlobStore
	logger  *zap.Logger
}

// NewMirrored wraps primary with optional mirrors. Nil mirrors are skipped.
func NewMirrored(primary BlobStore, logger *zap.Logger, mirrors ...BlobStore) (*Mirrored, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirrored{primary: primary, logger: logger}
	for _, mirror := range mirrors {
		if mirror != nil {
			m.mirrors = append(m.mirrors, mirror)
		}
	}
	return m, nil
}

// PutObject implements BlobStore.
func (m *Mirrored) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	uri, err := m.primary.PutObject(ctx, path, contentType, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	for _, mirror := range m.mirrors {
		mirrorURI, mirrorErr := mirror.PutObject(ctx, path, contentType, bytes.NewReader(data))
		if mirrorErr != nil {
			m.logger.Warn("artifact mirror failed", zap.String("path", path), zap.Error(mirrorErr))
			continue
		}
		m.logger.Debug("artifact mirrored", zap.String("path", path), zap.String("uri", mirrorURI))
	}
	return uri, nil
}
