package protocol

import (
	"bytes"
	"errors"
	"math/big"
	"slices"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/base58"
)

func TestIsLedgerDigest(t *testing.T) {
	digest := base58.Encode(bytes.Repeat([]byte{0xab}, 32))

	for _, tt := range []struct {
		name  string
		input string
		want  bool
	}{
		{name: "encoded 32 byte digest", input: digest, want: true},
		{name: "43 chars", input: strings.Repeat("A", 43), want: true},
		{name: "44 chars", input: strings.Repeat("z", 44), want: true},
		{name: "42 chars", input: strings.Repeat("A", 42), want: false},
		{name: "45 chars", input: strings.Repeat("A", 45), want: false},
		{name: "contains zero", input: "0" + strings.Repeat("A", 43), want: false},
		{name: "contains capital O", input: "O" + strings.Repeat("A", 43), want: false},
		{name: "contains capital I", input: "I" + strings.Repeat("A", 43), want: false},
		{name: "contains lowercase l", input: "l" + strings.Repeat("A", 43), want: false},
		{name: "synthetic marker", input: "sui_tx_abc123", want: false},
		{name: "empty", input: "", want: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLedgerDigest(tt.input); got != tt.want {
				t.Errorf("IsLedgerDigest(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if len(digest) != 44 {
		t.Errorf("wanted a 44 character digest from 32 0xab bytes, got %d characters", len(digest))
	}
}

func TestFormatTier(t *testing.T) {
	digest := base58.Encode(bytes.Repeat([]byte{0xab}, 32))

	for _, tt := range []struct {
		name      string
		signature string
		txHash    string
		want      bool
	}{
		{name: "sui_tx prefix", signature: "sui_tx_abc123", txHash: "whatever", want: true},
		{name: "widget prefix", signature: "beep_widget_x", want: true},
		{name: "sdk prefix", signature: "beep_sdk_x", want: true},
		{name: "verified prefix", signature: "beep_verified_x", want: true},
		{name: "unknown prefix with digest", signature: "ed25519:abc", txHash: digest, want: true},
		{name: "empty signature with digest", txHash: digest, want: true},
		{name: "unknown prefix without digest", signature: "ed25519:abc", txHash: "0xdeadbeef", want: false},
		{name: "nothing", want: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTier(tt.signature, tt.txHash); got != tt.want {
				t.Errorf("FormatTier(%q, %q) = %v, want %v", tt.signature, tt.txHash, got, tt.want)
			}
		})
	}
}

func TestToBaseUnits(t *testing.T) {
	for _, tt := range []struct {
		name     string
		amount   string
		decimals int32
		want     int64
		err      error
	}{
		{name: "half a dollar", amount: "0.50", decimals: 6, want: 500_000},
		{name: "trailing zero free", amount: "0.5", decimals: 6, want: 500_000},
		{name: "whole", amount: "12", decimals: 6, want: 12_000_000},
		{name: "rounds half up", amount: "0.0000005", decimals: 6, want: 1},
		{name: "rounds down", amount: "0.0000004", decimals: 6, want: 0},
		{name: "sui decimals", amount: "1.5", decimals: 9, want: 1_500_000_000},
		{name: "zero", amount: "0", decimals: 6, want: 0},
		{name: "negative", amount: "-1", decimals: 6, err: ErrNegativeAmount},
		{name: "garbage", amount: "lots", decimals: 6, err: ErrInvalidAmount},
		{name: "exponent", amount: "1e3", decimals: 6, err: ErrInvalidAmount},
		{name: "empty", amount: "", decimals: 6, err: ErrInvalidAmount},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if !errors.Is(err, tt.err) {
				t.Fatalf("want error %v, got: %v", tt.err, err)
			}

			if tt.err != nil {
				return
			}

			if got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("ToBaseUnits(%q, %d) = %s, want %d", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestValidateChallenge(t *testing.T) {
	valid := Challenge{
		Amount:    "0.50",
		Asset:     "USDC",
		Chain:     ChainSuiTestnet,
		Recipient: "0xaaa",
		Nonce:     "nonce_123456",
	}

	for _, tt := range []struct {
		name     string
		mutate   func(c *Challenge)
		err      error
		warnings int
	}{
		{name: "valid", mutate: func(*Challenge) {}},
		{name: "unknown chain is a warning", mutate: func(c *Challenge) { c.Chain = "eth-mainnet" }, warnings: 1},
		{name: "short nonce is a warning", mutate: func(c *Challenge) { c.Nonce = "abc" }, warnings: 1},
		{name: "missing nonce", mutate: func(c *Challenge) { c.Nonce = "" }, err: ErrMissingNonce},
		{name: "negative amount", mutate: func(c *Challenge) { c.Amount = "-0.5" }, err: ErrNegativeAmount},
		{name: "infinite amount", mutate: func(c *Challenge) { c.Amount = "Infinity" }, err: ErrInvalidAmount},
		{name: "missing recipient", mutate: func(c *Challenge) { c.Recipient = "" }, err: ErrMissingRecipient},
		{name: "relative callback", mutate: func(c *Challenge) { c.Callback = "/a402/verify" }, err: ErrBadCallback},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)

			warnings, err := ValidateChallenge(c)
			if !errors.Is(err, tt.err) {
				t.Fatalf("want error %v, got: %v", tt.err, err)
			}

			if len(warnings) != tt.warnings {
				t.Errorf("want %d warnings, got: %v", tt.warnings, warnings)
			}
		})
	}
}

func TestMissingFields(t *testing.T) {
	r := Receipt{ID: "r1", Payer: "0xbbb", Amount: "0.50"}

	want := []string{"merchant", "txHash", "chain", "signature"}
	if got := r.MissingFields(); !slices.Equal(got, want) {
		t.Errorf("MissingFields() = %v, want %v", got, want)
	}
}

func TestNetwork(t *testing.T) {
	for chain, want := range map[string]string{
		"sui-mainnet": "mainnet",
		"sui-testnet": "testnet",
		"sui-devnet":  "testnet",
		"":            "testnet",
	} {
		if got := Network(chain); got != want {
			t.Errorf("Network(%q) = %q, want %q", chain, got, want)
		}
	}
}
