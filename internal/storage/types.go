package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"watchbot/internal/subscription"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver means "file".
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// Store keeps the canonical copy of every subscriber.
//
// Get creates the subscriber on first access. Save replaces the whole
// record atomically. List returns deep copies, so callers may read them
// without holding any lock.
type Store[ID comparable] interface {
	Get(ctx context.Context, id ID) (subscription.Subscriber[ID], error)
	Save(ctx context.Context, s subscription.Subscriber[ID]) error
	List(ctx context.Context) ([]subscription.Subscriber[ID], error)
	Close() error
}

// clientKey is the stable text form of an id, used as the persisted key.
func clientKey[ID comparable](id ID) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
