// Package credential reads the persisted bearer token the connection
// manager presents to the message server.
package credential

import (
	"context"
	"fmt"
)

// Store reads credentials by key. A missing key is reported with ok=false
// and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// Writer is a Store that can also persist and remove credentials.
type Writer interface {
	Store
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Options selects and configures a backend.
type Options struct {
	Backend string // "file", "env" or "redis"
	// File is the credentials.toml path for the file backend.
	File string
	// EnvFile is an optional .env file for the env backend.
	EnvFile string
	// RedisURL and Namespace configure the redis backend.
	RedisURL  string
	Namespace string
}

// Open returns the backend named by opts.Backend. The returned close
// function releases backend resources and is never nil.
func Open(opts Options) (Store, func() error, error) {
	noop := func() error { return nil }
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.File), noop, nil
	case "env":
		s, err := NewEnvStore(opts.EnvFile)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "redis":
		s, err := NewRedisStore(opts.RedisURL, opts.Namespace)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown credential backend %q", opts.Backend)
	}
}
