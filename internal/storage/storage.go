// Package storage defines the durable keyed slot used to persist mining
// progress records. A slot holds one opaque value per key; readers and the
// batch driver round-trip JSON through it so progress survives process and
// browser-tab restarts. Implementations live in sub-packages (memory, local,
// redis, postgres, gcs) and must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound signals that no value is stored under the requested key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict signals that a CompareAndSwap lost to another writer.
	ErrConflict = errors.New("storage: value changed concurrently")
)

// Store is a string-keyed slot of byte values.
type Store interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// CompareAndSwap replaces the value under key with next only if it still
	// equals prev. It returns ErrConflict when the key is missing or holds
	// anything else.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases backend resources.
	Close() error
}

// ValidateKey rejects empty keys and keys containing control characters.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("storage key is required")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("storage key %q contains control characters", key)
		}
	}
	return nil
}
