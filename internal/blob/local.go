package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps objects on the local filesystem under a base directory.
// It backs local development runs and package tests.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./blobdata"
	}
	return &LocalStore{baseDir: baseDir}
}

// path resolves a key under baseDir; rooting the key before cleaning strips
// any traversal segments.
func (l *LocalStore) path(key string) string {
	key = filepath.Clean(string(filepath.Separator) + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return filepath.Join(l.baseDir, key)
}

func (l *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
