package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/a402-labs/a402/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// Store implements store.Interface on top of a valkey (or redis) server. It is
// the backend to use when several verifier replicas must share one nonce
// registry.
type Store struct {
	rdb    *valkey.Client
	prefix string
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Claim(ctx context.Context, key string, value []byte, expiry time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), string(value), expiry).Result()
	if err != nil {
		return false, fmt.Errorf("can't claim %q in valkey: %w", key, err)
	}

	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: %d key(s) deleted", store.ErrNotFound, n)
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return []byte(result), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if _, err := s.rdb.Set(ctx, s.key(key), string(value), expiry).Result(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}
