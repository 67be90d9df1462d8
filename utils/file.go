package utils

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var ErrPhotoNotFound = eris.New("photo not found")

// LocalPhotoStore keeps duel photos under a directory on disk.
type LocalPhotoStore struct {
	root string
}

// NewLocalPhotoStore creates root if it doesn't exist.
func NewLocalPhotoStore(root string) (*LocalPhotoStore, error) {
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, eris.Wrapf(err, "failed to ensure upload dir %s", root)
	}
	return &LocalPhotoStore{root: root}, nil
}

func (s *LocalPhotoStore) Put(_ context.Context, key string, data []byte) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return eris.Wrapf(err, "failed to create dir for %s", key)
	}

	// Write then rename so a reader never sees half a photo.
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return eris.Wrapf(err, "failed to write %s", key)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return eris.Wrapf(err, "failed to store %s", key)
	}
	return nil
}

func (s *LocalPhotoStore) Get(_ context.Context, key string) ([]byte, error) {
	src, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrPhotoNotFound, "key %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", key)
	}
	return data, nil
}

// Delete removes the given keys; missing ones are ignored.
func (s *LocalPhotoStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		p, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "failed to delete %s", key)
		}
		// Best effort: drop the per-duel directory once it is empty.
		if dir := filepath.Dir(p); dir != filepath.Clean(s.root) {
			_ = os.Remove(dir)
		}
	}
	return nil
}

func (s *LocalPhotoStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", eris.Errorf("invalid photo key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}
