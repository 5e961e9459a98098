// Package challengetest builds challenge issuers for tests.
package challengetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/a402-labs/a402/lib/challenge"
	"github.com/a402-labs/a402/lib/store/memory"
)

// Merchant is the recipient address of every challenge issued by New.
const Merchant = "0x5d1c0e4fbbfd3b0a2d8f4a10c6a7c7f3e2b1a0987654321fedcba9876543210"

// New returns an issuer backed by an in-memory store and a fresh Ed25519 key.
func New(t *testing.T) *challenge.Issuer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	iss, err := challenge.NewIssuer(challenge.Options{
		Store:             memory.New(t.Context()),
		Merchant:          Merchant,
		ED25519PrivateKey: priv,
	})
	if err != nil {
		t.Fatal(err)
	}

	return iss
}
