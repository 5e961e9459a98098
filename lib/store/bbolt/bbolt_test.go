package bbolt

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/a402-labs/a402/lib/store"
	"github.com/a402-labs/a402/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	t.Log(path)
	data, err := json.Marshal(Config{
		Path: path,
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestCleanup(t *testing.T) {
	data, err := json.Marshal(Config{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	si, err := Factory{}.Build(t.Context(), json.RawMessage(data))
	if err != nil {
		t.Fatal(err)
	}
	s := si.(*Store)

	if err := s.Set(t.Context(), "expired", []byte("x"), -time.Second); err != nil {
		t.Fatal(err)
	}

	if err := s.Set(t.Context(), "live", []byte("y"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := s.cleanup(t.Context()); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(t.Context(), "expired"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wanted expired bucket to be gone after cleanup, got: %v", err)
	}

	val, err := s.Get(t.Context(), "live")
	if err != nil {
		t.Fatal(err)
	}

	if string(val) != "y" {
		t.Errorf("wanted %q, got %q", "y", string(val))
	}
}
