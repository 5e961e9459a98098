// Package sui is a read-only client for the Sui JSON-RPC API.
package sui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/a402-labs/a402/lib/protocol"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	MainnetRPC = "https://fullnode.mainnet.sui.io:443"
	TestnetRPC = "https://fullnode.testnet.sui.io:443"
	DevnetRPC  = "https://fullnode.devnet.sui.io:443"
)

var (
	ErrNoLedger = errors.New("sui: no RPC endpoint configured for network")
	ErrNotFound = errors.New("sui: transaction not found")
)

// Ledger fetches transactions by digest.
type Ledger interface {
	GetTransactionBlock(ctx context.Context, digest string) (*TransactionBlock, error)
}

// TransactionOptions selects the parts of a transaction block the RPC
// returns.
type TransactionOptions struct {
	ShowInput          bool `json:"showInput"`
	ShowEffects        bool `json:"showEffects"`
	ShowBalanceChanges bool `json:"showBalanceChanges"`
}

// Client is a Ledger backed by a JSON-RPC endpoint. Reads are retried with
// exponential backoff; JSON-RPC error responses are not retried.
type Client struct {
	rpc     *rpc.Client
	url     string
	retries uint64
}

var _ Ledger = (*Client)(nil)

// Dial connects to the JSON-RPC endpoint at url. HTTP endpoints connect
// lazily, so this does not fail for an unreachable node.
func Dial(ctx context.Context, url string, retries uint64, timeout time.Duration) (*Client, error) {
	c, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("sui: can't dial %s: %w", url, err)
	}

	return &Client{rpc: c, url: url, retries: retries}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) GetTransactionBlock(ctx context.Context, digest string) (*TransactionBlock, error) {
	opts := TransactionOptions{
		ShowInput:          true,
		ShowEffects:        true,
		ShowBalanceChanges: true,
	}

	var result *TransactionBlock
	op := func() error {
		err := c.rpc.CallContext(ctx, &result, "sui_getTransactionBlock", digest, opts)
		if err == nil {
			return nil
		}

		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return backoff.Permanent(err)
		}

		var httpErr rpc.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}

		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("sui: sui_getTransactionBlock %s: %w", digest, err)
	}

	if result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}

	return result, nil
}

// Pool picks the ledger for a chain identifier.
type Pool struct {
	networks map[string]Ledger
}

// NewPool maps network names ("mainnet", "testnet") to ledgers.
func NewPool(networks map[string]Ledger) *Pool {
	return &Pool{networks: networks}
}

// For returns the ledger of the network chain belongs to.
func (p *Pool) For(chain string) (Ledger, error) {
	network := protocol.Network(chain)

	l, ok := p.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLedger, network)
	}

	return l, nil
}
