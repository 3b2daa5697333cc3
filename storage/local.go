package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	xerrors "github.com/cascadevideo/cascade-api/errors"
)

// LocalStorage keeps objects as plain files under a root directory. Writes
// are atomic (temp file + rename) so a playlist or segment is never observed
// half-written by a concurrent playback request.
type LocalStorage struct {
	root       string
	publicRoot string
}

var _ Storage = (*LocalStorage)(nil)
var _ Pather = (*LocalStorage)(nil)

func NewLocalStorage(root, publicRoot string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("error resolving storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("error creating storage root %q: %w", abs, err)
	}
	return &LocalStorage{root: abs, publicRoot: strings.TrimSuffix(publicRoot, "/")}, nil
}

// resolve maps a storage key onto the filesystem, refusing anything that
// would escape the root.
func (s *LocalStorage) resolve(key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("error creating directory for %q: %w", key, err)
	}
	pending, err := renameio.NewPendingFile(full)
	if err != nil {
		return fmt.Errorf("error creating pending file for %q: %w", key, err)
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, r); err != nil {
		return fmt.Errorf("error writing %q: %w", key, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("error replacing %q: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("object %q not found", key), err)
		}
		return nil, fmt.Errorf("error opening %q: %w", key, err)
	}
	return f, nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("error statting %q: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return xerrors.NewObjectNotFoundError(fmt.Sprintf("object %q not found", key), err)
		}
		return fmt.Errorf("error deleting %q: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	full, err := s.resolve(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("error deleting prefix %q: %w", prefix, err)
	}
	return nil
}

func (s *LocalStorage) Mkdir(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("error creating directory %q: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) URL(key string) string {
	return s.publicRoot + "/" + strings.TrimPrefix(key, "/")
}

// AbsolutePath implements Pather so the transcoder can point ffmpeg straight
// at the file on disk.
func (s *LocalStorage) AbsolutePath(key string) (string, bool) {
	full, err := s.resolve(key)
	if err != nil {
		return "", false
	}
	return full, true
}
