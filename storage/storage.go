// Package storage provides the blob store the ingest and playback paths read
// and write through. Keys are relative POSIX-style paths; the same key layout
// is used by the local filesystem driver and the S3-compatible driver so the
// rest of the system never cares which one is configured.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

type Storage interface {
	// Put streams r to the object at the given key, replacing any previous
	// content. Readers are not required to be seekable.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object for reading. A missing object yields an error
	// matched by errors.IsObjectNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. The local driver reports a missing object
	// via errors.IsObjectNotFound; S3-style stores accept deletes of keys
	// that are already gone.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the given key prefix. A
	// missing prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
	// Mkdir ensures the directory for key exists. Object stores have no
	// real directories and treat this as a no-op.
	Mkdir(ctx context.Context, key string) error
	// URL returns the public URL for a key, rooted at the configured
	// public root.
	URL(key string) string
}

// Pather is an optional capability of drivers whose objects are plain files
// on the local disk. It lets ffmpeg read sources and write outputs in place
// instead of copying through the Storage interface.
type Pather interface {
	AbsolutePath(key string) (string, bool)
}

func ContentTypeByPath(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
