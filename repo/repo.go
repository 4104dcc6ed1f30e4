package repo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore persists immutable table files (data files and manifests) by key.
// Keys are slash separated and relative to the store root.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	// ListObjects returns the objects whose key starts with prefix, sorted by key.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ReadinessChecker is implemented by stores that can verify their backend is reachable.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) error
}

// cleanKey normalizes key and rejects keys escaping the store root.
func cleanKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	k = strings.TrimLeft(k, "/")
	if k == "" {
		return "", errors.New("object key is required")
	}
	cleaned := path.Clean(k)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object key %q escapes the store root", key)
	}
	return cleaned, nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".zst":
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

func sortObjects(objects []ObjectInfo) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
}
