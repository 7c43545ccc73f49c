// Package gcs implements a Store on Google Cloud Storage objects.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	pmstorage "github.com/JakeFAU/pagemine/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix"`
}

// Store keeps each value as a small JSON object.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

var _ pmstorage.Store = (*Store)(nil)

// New creates a GCS-backed store. The caller keeps ownership of client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Open builds a client from ambient credentials and wraps it in a Store
// that closes the client on Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key))
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := pmstorage.ValidateKey(key); err != nil {
		return nil, err
	}
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, pmstorage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// Put uploads value, replacing any previous object.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := pmstorage.ValidateKey(key); err != nil {
		return err
	}
	return s.upload(ctx, s.object(key), value)
}

// CompareAndSwap uploads next only if the object still holds prev. The
// upload is conditioned on the generation that was read, so a write landing
// in between makes it fail with ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) error {
	if err := pmstorage.ValidateKey(key); err != nil {
		return err
	}
	obj := s.object(key)
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return pmstorage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("open object %q: %w", key, err)
	}
	cur, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("read object %q: %w", key, err)
	}
	if !bytes.Equal(cur, prev) {
		return pmstorage.ErrConflict
	}
	gen := r.Attrs.Generation
	if gen == 0 {
		return fmt.Errorf("object %q: server returned no generation", key)
	}

	err = s.upload(ctx, obj.If(storage.Conditions{GenerationMatch: gen}), next)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return pmstorage.ErrConflict
	}
	return err
}

func (s *Store) upload(ctx context.Context, obj *storage.ObjectHandle, value []byte) error {
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(value); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete removes the object for key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := pmstorage.ValidateKey(key); err != nil {
		return err
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
