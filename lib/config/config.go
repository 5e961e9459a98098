// Package config loads the a402 daemon's YAML configuration file: the store
// backend, the asset table and the chain table.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/a402-labs/a402"
	"sigs.k8s.io/yaml"
)

var (
	ErrAssetMustHaveSymbol   = errors.New("config.Asset: must set symbol")
	ErrAssetDecimalsRange    = errors.New("config.Asset: decimals must be between 0 and 36")
	ErrDuplicateAsset        = errors.New("config.Asset: symbol defined twice")
	ErrChainMustHaveID       = errors.New("config.Chain: must set id")
	ErrChainBadRPCURL        = errors.New("config.Chain: rpc_url must be an absolute http(s) URL")
	ErrChainBadExplorerURL   = errors.New("config.Chain: explorer_url must contain " + DigestPlaceholder)
	ErrDuplicateChain        = errors.New("config.Chain: id defined twice")
	ErrConfigMustDefineStore = errors.New("config: must define a store")
)

// DigestPlaceholder is replaced by the transaction digest in explorer URLs.
const DigestPlaceholder = "{digest}"

// MaxDecimals bounds the precision an asset may declare.
const MaxDecimals = 36

type Asset struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	CoinType string `json:"coin_type,omitempty"`
}

func (a Asset) Valid() error {
	var errs []error

	if a.Symbol == "" {
		errs = append(errs, ErrAssetMustHaveSymbol)
	}

	if a.Decimals < 0 || a.Decimals > MaxDecimals {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrAssetDecimalsRange, a.Decimals))
	}

	if len(errs) != 0 {
		return fmt.Errorf("asset %q is not valid: %w", a.Symbol, errors.Join(errs...))
	}

	return nil
}

type Chain struct {
	ID          string `json:"id"`
	RPCURL      string `json:"rpc_url"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

func (c Chain) Valid() error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, ErrChainMustHaveID)
	}

	u, err := url.Parse(c.RPCURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("%w: %q", ErrChainBadRPCURL, c.RPCURL))
	}

	if c.ExplorerURL != "" && !strings.Contains(c.ExplorerURL, DigestPlaceholder) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrChainBadExplorerURL, c.ExplorerURL))
	}

	if len(errs) != 0 {
		return fmt.Errorf("chain %q is not valid: %w", c.ID, errors.Join(errs...))
	}

	return nil
}

type fileConfig struct {
	Store  *Store  `json:"store"`
	Assets []Asset `json:"assets"`
	Chains []Chain `json:"chains"`
}

func (c *fileConfig) Valid() error {
	var errs []error

	if c.Store == nil {
		errs = append(errs, ErrConfigMustDefineStore)
	} else if err := c.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, a := range c.Assets {
		if err := a.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("asset %d: %w", i, err))
		}

		sym := strings.ToUpper(a.Symbol)
		if seen[sym] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateAsset, a.Symbol))
		}
		seen[sym] = true
	}

	seen = map[string]bool{}
	for i, ch := range c.Chains {
		if err := ch.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("chain %d: %w", i, err))
		}

		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateChain, ch.ID))
		}
		seen[ch.ID] = true
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Config is a validated configuration file.
type Config struct {
	Store  Store
	Assets []Asset
	Chains []Chain
}

// Load reads and validates a YAML (or JSON) configuration. fname is only used
// in error messages.
func Load(fin io.Reader, fname string) (*Config, error) {
	data, err := io.ReadAll(fin)
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	var c fileConfig
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("can't parse config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("errors validating config %s: %w", fname, err)
	}

	return &Config{
		Store:  *c.Store,
		Assets: c.Assets,
		Chains: c.Chains,
	}, nil
}

// Asset looks up an asset by symbol, ignoring case. Unknown symbols get
// a402.DefaultDecimals and no coin type.
func (c *Config) Asset(symbol string) Asset {
	for _, a := range c.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a
		}
	}

	return Asset{Symbol: symbol, Decimals: a402.DefaultDecimals}
}

// Chain looks up a chain by identifier.
func (c *Config) Chain(id string) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}

	return Chain{}, false
}

// ExplorerURL builds the explorer link for a transaction on chain. It returns
// the empty string if the chain has no explorer configured.
func (c *Config) ExplorerURL(chain, digest string) string {
	ch, ok := c.Chain(chain)
	if !ok || ch.ExplorerURL == "" {
		return ""
	}

	return strings.ReplaceAll(ch.ExplorerURL, DigestPlaceholder, url.PathEscape(digest))
}
