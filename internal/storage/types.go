package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the minimal persistence API used by the services.
//
// Get reports ok=false (and a nil error) when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
//
// If Driver is empty or "none", the memory driver is used.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	URL         string        // redis (redis://:password@host:6379/0), postgres (postgres://user:pw@host/db)
	Prefix      string        // redis key prefix
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres pool size; 0 means pgx default
}
