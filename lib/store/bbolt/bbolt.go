package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a402-labs/a402/lib/store"
	"go.etcd.io/bbolt"
)

// ErrNotExists is returned by Delete alongside store.ErrNotFound.
var ErrNotExists = errors.New("bbolt: value does not exist in store")

var (
	dataKey   = []byte("data")
	expiryKey = []byte("expiry")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value gets its own top-level bucket with two keys:
//
// 1. data - The raw data, usually in JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// Keeping the expiry in its own key lets the cleanup phase walk every bucket
// and read only the expiry times.
//
// bbolt takes an exclusive file lock, so a database can only be used by one
// verifier process. Deployments with several replicas that must share the
// nonce registry should use the valkey backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

// Claim stores value under key inside a single write transaction if the key is
// absent or expired. bbolt serialises write transactions, which makes the
// check-and-set atomic.
func (s *Store) Claim(ctx context.Context, key string, value []byte, expiry time.Duration) (bool, error) {
	claimed := false

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		if itemBucket := tx.Bucket([]byte(key)); itemBucket != nil {
			live, err := isLive(itemBucket, time.Now())
			if err != nil {
				return err
			}

			if live {
				return nil
			}

			if err := tx.DeleteBucket([]byte(key)); err != nil {
				return fmt.Errorf("%w: %w: %q (delete expired bucket)", store.ErrCantEncode, err, key)
			}
		}

		if err := put(tx, key, value, time.Now().Add(expiry)); err != nil {
			return err
		}

		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// Get a value from the datastore.
//
// Because each value is stored in its own bucket with data and expiry keys,
// two get operations are required:
//
// 1. Get the expiry key, parse as time.RFC3339Nano. If the key has expired, run deletion in the background and return a "key not found" error.
// 2. Get the data key, copy into the result byteslice, return it.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		live, err := isLive(itemBucket, time.Now())
		if err != nil {
			return err
		}

		if !live {
			go s.Delete(context.Background(), key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		dataStr := itemBucket.Get(dataKey)
		if dataStr == nil {
			return fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
		}

		result = make([]byte, len(dataStr))
		copy(result, dataStr)

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return put(tx, key, value, expires)
	})
}

func put(tx *bbolt.Tx, key string, value []byte, expires time.Time) error {
	valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
	}

	if err := valueBkt.Put(expiryKey, []byte(expires.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
	}

	if err := valueBkt.Put(dataKey, value); err != nil {
		return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
	}

	return nil
}

func isLive(bkt *bbolt.Bucket, now time.Time) (bool, error) {
	expiryStr := bkt.Get(expiryKey)
	if expiryStr == nil {
		return false, fmt.Errorf("[unexpected] %w (expiry is nil)", store.ErrNotFound)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return false, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	return now.Before(expiry), nil
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			if valueBkt.Get(expiryKey) == nil {
				slog.Warn("while running cleanup, expiry is not set somehow, file a bug?", "key", string(key))
				return nil
			}

			live, err := isLive(valueBkt, now)
			if err != nil {
				return fmt.Errorf("in bucket %q: %w", string(key), err)
			}

			if !live {
				expired = append(expired, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		// Buckets can't be deleted while ForEach is iterating over them.
		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("can't close bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
