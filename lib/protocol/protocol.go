// Package protocol holds the a402 wire types and the format rules shared by
// every verification strategy: ledger digest shape, recognised signature
// prefixes, and decimal to base unit conversion.
package protocol

import (
	"strings"
)

// Challenge is a payment demand issued to a client. It is immutable once
// issued and has no identity beyond its nonce.
type Challenge struct {
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Chain       string `json:"chain"`
	Recipient   string `json:"recipient"`
	Nonce       string `json:"nonce"`
	Expiry      *int64 `json:"expiry,omitempty"`   // unix seconds
	Callback    string `json:"callback,omitempty"` // where the payer should POST proof
	Description string `json:"description,omitempty"`
}

// Receipt is a claim that a Challenge was fulfilled.
type Receipt struct {
	ID           string `json:"id"`
	RequestNonce string `json:"requestNonce"`
	Payer        string `json:"payer"`
	Merchant     string `json:"merchant"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
	Chain        string `json:"chain"`
	TxHash       string `json:"txHash"`
	Signature    string `json:"signature"`
	IssuedAt     int64  `json:"issuedAt"`
}

// MissingFields lists the required receipt fields that are empty, in a stable
// order. Every missing field is reported, not just the first.
func (r Receipt) MissingFields() []string {
	var result []string

	for _, f := range []struct {
		name  string
		value string
	}{
		{"id", r.ID},
		{"payer", r.Payer},
		{"merchant", r.Merchant},
		{"amount", r.Amount},
		{"txHash", r.TxHash},
		{"chain", r.Chain},
		{"signature", r.Signature},
	} {
		if strings.TrimSpace(f.value) == "" {
			result = append(result, f.name)
		}
	}

	return result
}

// Known chain identifiers. Anything else is accepted with a warning.
const (
	ChainSuiMainnet = "sui-mainnet"
	ChainSuiTestnet = "sui-testnet"
	ChainSuiDevnet  = "sui-devnet"
)

// KnownChains is the enumerated set of chain identifiers a challenge may use
// without a validation warning.
var KnownChains = []string{ChainSuiMainnet, ChainSuiTestnet, ChainSuiDevnet}

// Network maps a chain identifier to the ledger network to query: "mainnet"
// iff the identifier contains "mainnet", otherwise "testnet".
func Network(chain string) string {
	if strings.Contains(chain, "mainnet") {
		return "mainnet"
	}

	return "testnet"
}
