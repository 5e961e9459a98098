// Package replay implements the nonce registry that stops a receipt from
// being accepted twice.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/internal"
	"github.com/a402-labs/a402/lib/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replaysRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "a402_replays_rejected_total",
		Help: "The total number of receipts rejected because their nonce was already used",
	})

	ErrEmptyNonce = errors.New("replay: nonce is empty")
)

// Use is what the registry remembers about a consumed nonce.
type Use struct {
	Nonce     string    `json:"nonce"`
	ReceiptID string    `json:"receiptId,omitempty"`
	UsedAt    time.Time `json:"usedAt"`
}

// Guard tracks consumed nonces in a store. Entries are evicted once the
// challenge they answer has expired (plus a grace period), so the registry
// does not grow without bound. Challenges this instance never saw fall back
// to a fixed window.
type Guard struct {
	uses   *store.JSON[Use]
	window time.Duration
	grace  time.Duration
	now    func() time.Time
}

// New creates a Guard over st. A zero window selects a402.DefaultReplayWindow.
func New(st store.Interface, window time.Duration) *Guard {
	if window <= 0 {
		window = a402.DefaultReplayWindow
	}

	return &Guard{
		uses: &store.JSON[Use]{
			Underlying: st,
			Prefix:     "nonce:",
		},
		window: window,
		grace:  a402.ReplayGrace,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for eviction deadlines.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func key(nonce string) string {
	return internal.SHA256sum(nonce)
}

// ttl is how long to remember a nonce whose challenge expires at expiresAt.
// The zero time means the challenge is unknown.
func (g *Guard) ttl(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return g.window
	}

	ttl := expiresAt.Sub(g.now()) + g.grace
	if ttl < g.grace {
		ttl = g.grace
	}

	return ttl
}

// HasBeenUsed reports whether nonce is in the registry.
func (g *Guard) HasBeenUsed(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}

	if _, err := g.uses.Get(ctx, key(nonce)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("replay: can't look up nonce: %w", err)
	}

	return true, nil
}

// MarkUsed records nonce as consumed. Marking an already used nonce again is
// not an error.
func (g *Guard) MarkUsed(ctx context.Context, nonce, receiptID string, expiresAt time.Time) error {
	if nonce == "" {
		return ErrEmptyNonce
	}

	use := Use{Nonce: nonce, ReceiptID: receiptID, UsedAt: g.now()}
	if err := g.uses.Set(ctx, key(nonce), use, g.ttl(expiresAt)); err != nil {
		return fmt.Errorf("replay: can't mark nonce used: %w", err)
	}

	return nil
}

// Claim atomically checks and marks nonce. It returns false if the nonce was
// already used. Of several concurrent claims of one nonce, exactly one
// returns true.
func (g *Guard) Claim(ctx context.Context, nonce, receiptID string, expiresAt time.Time) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}

	use := Use{Nonce: nonce, ReceiptID: receiptID, UsedAt: g.now()}
	ok, err := g.uses.Claim(ctx, key(nonce), use, g.ttl(expiresAt))
	if err != nil {
		return false, fmt.Errorf("replay: can't claim nonce: %w", err)
	}

	if !ok {
		replaysRejected.Inc()
	}

	return ok, nil
}
