// Package challenge issues a402 payment challenges, signs them into compact
// tokens, and remembers them so later verification can find their expiry.
package challenge

import (
	"cmp"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/internal"
	"github.com/a402-labs/a402/lib/protocol"
	"github.com/a402-labs/a402/lib/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NoncePrefix starts every nonce this package generates.
const NoncePrefix = "a402_"

// Request is what a client may choose about the challenge it is issued. Empty
// fields take the issuer's defaults.
type Request struct {
	Amount      string `json:"amount,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Issued is a freshly issued challenge with its token and any validation
// warnings.
type Issued struct {
	protocol.Challenge
	Token    string   `json:"token"`
	Warnings []string `json:"warnings,omitempty"`
}

// Options configures an Issuer.
type Options struct {
	Store store.Interface

	Merchant      string
	DefaultAmount string
	DefaultAsset  string
	DefaultChain  string

	// PublicURL, if set, is where this service is reachable. Challenges then
	// carry a callback pointing at the on-chain verification route.
	PublicURL string

	TTL time.Duration

	// Exactly one of these signs tokens. Without either a random Ed25519 key
	// is generated.
	ED25519PrivateKey ed25519.PrivateKey
	HS512Secret       []byte

	// Now is the issuer's clock. Nil means time.Now.
	Now func() time.Time
}

// Issuer creates challenges and verifies the tokens it signed.
type Issuer struct {
	issued      *store.JSON[protocol.Challenge]
	opts        Options
	ed25519Priv ed25519.PrivateKey
	ed25519Pub  ed25519.PublicKey
	hs512Secret []byte
	now         func() time.Time
}

func NewIssuer(opts Options) (*Issuer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: no store", store.ErrBadConfig)
	}

	opts.DefaultAmount = cmp.Or(opts.DefaultAmount, "0.01")
	opts.DefaultAsset = cmp.Or(opts.DefaultAsset, a402.DefaultAsset)
	opts.DefaultChain = cmp.Or(opts.DefaultChain, protocol.ChainSuiTestnet)
	opts.TTL = cmp.Or(opts.TTL, a402.DefaultChallengeTTL)

	if _, err := protocol.ParseAmount(opts.DefaultAmount); err != nil {
		return nil, fmt.Errorf("challenge: default amount: %w", err)
	}

	result := &Issuer{
		issued: &store.JSON[protocol.Challenge]{
			Underlying: opts.Store,
			Prefix:     "challenge:",
		},
		opts:        opts,
		hs512Secret: opts.HS512Secret,
		now:         opts.Now,
	}
	if result.now == nil {
		result.now = time.Now
	}

	if len(result.hs512Secret) == 0 {
		priv := opts.ED25519PrivateKey
		if priv == nil {
			slog.Debug("opts.ED25519PrivateKey not set, generating a new one")
			var err error
			_, priv, err = ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("challenge: can't generate private key: %w", err)
			}
		}

		result.ed25519Priv = priv
		result.ed25519Pub = priv.Public().(ed25519.PublicKey)
	}

	return result, nil
}

func newNonce() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return NoncePrefix + strings.ReplaceAll(id.String(), "-", ""), nil
}

// Issue builds a challenge from req and the issuer defaults, signs it and
// records it. Invalid input comes back as an *Error.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("challenge: can't generate nonce: %w", err)
	}

	expiry := i.now().Add(i.opts.TTL).Unix()

	chall := protocol.Challenge{
		Amount:      cmp.Or(strings.TrimSpace(req.Amount), i.opts.DefaultAmount),
		Asset:       i.opts.DefaultAsset,
		Chain:       cmp.Or(strings.TrimSpace(req.Chain), i.opts.DefaultChain),
		Recipient:   i.opts.Merchant,
		Nonce:       nonce,
		Expiry:      &expiry,
		Description: req.Description,
	}

	if i.opts.PublicURL != "" {
		chall.Callback = strings.TrimRight(i.opts.PublicURL, "/") + a402.APIPrefix + "verify-onchain"
	}

	warnings, err := protocol.ValidateChallenge(chall)
	if err != nil {
		return nil, NewError("issue", "invalid challenge parameters", err)
	}

	token, err := i.sign(chall)
	if err != nil {
		return nil, fmt.Errorf("challenge: can't sign token: %w", err)
	}

	if err := i.issued.Set(ctx, internal.SHA256sum(nonce), chall, i.retention()); err != nil {
		return nil, fmt.Errorf("challenge: can't record issued challenge: %w", err)
	}

	challengesIssued.WithLabelValues(chall.Chain).Inc()

	return &Issued{Challenge: chall, Token: token, Warnings: warnings}, nil
}

// retention is how long an issued challenge is remembered. It outlives the
// replay registry entry of its nonce (expiry plus one grace period), so a
// nonce evicted from the registry is still recognised as belonging to an
// expired challenge.
func (i *Issuer) retention() time.Duration {
	return i.opts.TTL + 2*a402.ReplayGrace
}

// Lookup returns the challenge issued with nonce. It fails with
// ErrUnknownNonce if this issuer never issued it or the record was evicted.
func (i *Issuer) Lookup(ctx context.Context, nonce string) (*protocol.Challenge, error) {
	chall, err := i.issued.Get(ctx, internal.SHA256sum(nonce))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNonce, nonce)
		}
		return nil, err
	}

	return &chall, nil
}

type tokenClaims struct {
	protocol.Challenge
	jwt.RegisteredClaims
}

func (i *Issuer) sign(chall protocol.Challenge) (string, error) {
	claims := tokenClaims{
		Challenge: chall,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        chall.Nonce,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			NotBefore: jwt.NewNumericDate(i.now().Add(-1 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(*chall.Expiry, 0)),
		},
	}

	if len(i.hs512Secret) == 0 {
		return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.ed25519Priv)
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(i.hs512Secret)
}

func (i *Issuer) keyfunc(token *jwt.Token) (any, error) {
	if len(i.hs512Secret) == 0 {
		return i.ed25519Pub, nil
	}

	return i.hs512Secret, nil
}

// ParseToken verifies a token signed by this issuer and returns the challenge
// it carries. A correctly signed token whose challenge has expired is still
// returned, so the expiry shows up as a failed match rather than a malformed
// request.
func (i *Issuer) ParseToken(tokenString string) (*protocol.Challenge, error) {
	methods := []string{jwt.SigningMethodEdDSA.Alg()}
	if len(i.hs512Secret) != 0 {
		methods = []string{jwt.SigningMethodHS512.Alg()}
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, i.keyfunc,
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithValidMethods(methods),
		jwt.WithTimeFunc(i.now),
	)

	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		tokensRejected.WithLabelValues("expired").Inc()
	default:
		tokensRejected.WithLabelValues("invalid").Inc()
		return nil, NewError("parse-token", "invalid challenge token", fmt.Errorf("%w: %w", ErrInvalidToken, err))
	}

	if claims.Nonce == "" || claims.Nonce != claims.ID {
		tokensRejected.WithLabelValues("invalid").Inc()
		return nil, NewError("parse-token", "invalid challenge token", fmt.Errorf("%w: nonce claim mismatch", ErrInvalidToken))
	}

	return &claims.Challenge, nil
}
