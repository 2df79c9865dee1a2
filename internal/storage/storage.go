// Package storage defines the key-value port behind the local persistence
// shim. Values are opaque bytes; callers own the encoding.
package storage

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnavailable is returned by KV implementations that cannot reach their
// backing store.
var ErrUnavailable = errors.New("storage unavailable")

// KV is a durable key-value store. Get reports ok=false for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by backend stores for unknown conversations.
var ErrNotFound = errors.New("not found")
