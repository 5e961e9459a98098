package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a402-labs/a402/lib/store"
)

// Common runs the conformance suite every store backend must pass.
func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); err == nil {
					t.Errorf("key %q does not exist and Delete did not return non-nil", t.Name())
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass XXX: backends track expiry with the wall clock.
				time.Sleep(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				return nil
			},
		},
		{
			name: "claim is exclusive",
			doer: func(t *testing.T, s store.Interface) error {
				ok, err := s.Claim(t.Context(), t.Name(), []byte("first"), 5*time.Minute)
				if err != nil {
					return err
				}
				if !ok {
					t.Error("first claim of a fresh key was refused")
				}

				ok, err = s.Claim(t.Context(), t.Name(), []byte("second"), 5*time.Minute)
				if err != nil {
					return err
				}
				if ok {
					t.Error("second claim of a live key succeeded")
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if !bytes.Equal(val, []byte("first")) {
					t.Errorf("losing claim overwrote the value: got %q", string(val))
				}

				return nil
			},
		},
		{
			name: "claim after expiry",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass XXX: backends track expiry with the wall clock.
				time.Sleep(155 * time.Millisecond)

				ok, err := s.Claim(t.Context(), t.Name(), []byte(t.Name()), time.Minute)
				if err != nil {
					return err
				}
				if !ok {
					t.Error("claim of an expired key was refused")
				}

				return nil
			},
		},
		{
			name: "concurrent claims",
			doer: func(t *testing.T, s store.Interface) error {
				var wins atomic.Int64
				var wg sync.WaitGroup
				errs := make(chan error, 16)

				for range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := s.Claim(t.Context(), t.Name(), []byte(t.Name()), time.Minute)
						if err != nil {
							errs <- err
							return
						}
						if ok {
							wins.Add(1)
						}
					}()
				}
				wg.Wait()
				close(errs)

				if err, ok := <-errs; ok {
					return err
				}

				if got := wins.Load(); got != 1 {
					t.Errorf("wanted exactly one successful claim, got %d", got)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
