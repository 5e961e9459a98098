package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a402-labs/a402/lib/store"
	_ "github.com/a402-labs/a402/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

// Store selects the storage backend for issued challenges and consumed
// nonces. Parameters are passed verbatim to the backend's factory.
type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (s *Store) Valid() error {
	var errs []error

	if len(s.Backend) == 0 {
		errs = append(errs, ErrNoStoreBackend)
	}

	fac, ok := store.Get(s.Backend)
	switch ok {
	case true:
		if err := fac.Valid(s.Parameters); err != nil {
			errs = append(errs, err)
		}
	case false:
		errs = append(errs, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStoreBackend, s.Backend, store.Methods()))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Build constructs the configured backend. Background maintenance the backend
// runs stops when ctx is done.
func (s *Store) Build(ctx context.Context) (store.Interface, error) {
	fac, ok := store.Get(s.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend)
	}

	st, err := fac.Build(ctx, s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("config.Store: can't build %s backend: %w", s.Backend, err)
	}

	return st, nil
}
