// Package local implements a Store on the local filesystem, one file per key.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/pagemine/internal/storage"
)

const (
	slotExt = ".slot"
	lockExt = ".lock"

	lockRetry = 5 * time.Millisecond
	// staleLock is how old a lock file may get before it is assumed to
	// belong to a crashed process and removed.
	staleLock = 10 * time.Second
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the directory holding one file per key.
	BaseDir string `mapstructure:"base_dir"`
}

// Store persists values as files under BaseDir. Writes go through a
// temporary file and a rename so readers never observe a torn value.
type Store struct {
	baseDir string
}

var _ storage.Store = (*Store)(nil)

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// Get reads the file backing key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read slot %q: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the file backing key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	return s.writeFile(path, value)
}

// CompareAndSwap replaces the file backing key when it still holds prev.
// Concurrent swaps, including those from other processes sharing BaseDir,
// are serialised through a lock file next to the slot.
func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	unlock, err := acquireLock(ctx, path+lockExt)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("read slot %q: %w", key, err)
	}
	if !bytes.Equal(cur, prev) {
		return storage.ErrConflict
	}
	return s.writeFile(path, next)
}

func acquireLock(ctx context.Context, lockPath string) (func(), error) {
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLock {
			_ = os.Remove(lockPath)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for slot lock: %w", ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

func (s *Store) writeFile(path string, value []byte) error {
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename slot file: %w", err)
	}
	return nil
}

// Delete removes the file backing key.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete slot %q: %w", key, err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) pathFor(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, url.QueryEscape(key)+slotExt)

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
