// Package blob is the byte storage contract for artifact content. Stores
// return an opaque location from Write and accept it back in Read.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"tracerun/pkg/domain"
)

// Store reads and writes artifact bytes. Read returns sentinel.ErrNotFound
// for an unknown location.
type Store interface {
	Write(ctx context.Context, key string, content []byte, contentType string) (location string, err error)
	Read(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// ArtifactKey is the storage key for an artifact. The client filename is
// never part of the key.
func ArtifactKey(runID domain.RunID, artifactID domain.ArtifactID) string {
	return fmt.Sprintf("runs/%d/%s", int64(runID), artifactID)
}

// CleanKey rejects keys that are absolute or escape the store root.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("blob key is required")
	}
	if strings.Contains(key, `\`) || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("blob key %q escapes storage root", key)
	}
	return cleaned, nil
}
