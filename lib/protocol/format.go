package protocol

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// Signature and transaction marker prefixes produced by the Beep SDK and its
// payment widget. A txHash carrying one of these is a synthetic marker: the
// facilitator attested the payment, the ledger digest is not available.
const (
	PrefixWidget   = "beep_widget_"
	PrefixSuiTx    = "sui_tx_"
	PrefixSDK      = "beep_sdk_"
	PrefixVerified = "beep_verified_"
)

// SignaturePrefixes are the recognised signature prefixes, in no particular
// order.
var SignaturePrefixes = []string{PrefixWidget, PrefixSuiTx, PrefixSDK, PrefixVerified}

// IsLedgerDigest reports whether s looks like a Sui transaction digest: a
// base58 string of exactly 43 or 44 characters. base58.Decode returns an
// empty slice for any character outside the alphabet, which excludes 0, O,
// I and l.
func IsLedgerDigest(s string) bool {
	if len(s) != 43 && len(s) != 44 {
		return false
	}

	return len(base58.Decode(s)) != 0
}

// IsHexHash reports whether s uses the 0x-prefixed hash form some wallets
// report instead of a base58 digest.
func IsHexHash(s string) bool {
	return strings.HasPrefix(s, "0x")
}

// IsWidgetAttested reports whether the signature marks a payment vouched for
// by the facilitator's widget rather than observable on-chain.
func IsWidgetAttested(signature string) bool {
	return strings.HasPrefix(signature, PrefixWidget)
}

// HasSignaturePrefix reports whether signature starts with one of
// SignaturePrefixes.
func HasSignaturePrefix(signature string) bool {
	for _, prefix := range SignaturePrefixes {
		if strings.HasPrefix(signature, prefix) {
			return true
		}
	}

	return false
}

// FormatTier is the only signature verification tier implemented: it checks
// the shape of the proof, never its cryptographic validity. The signature is
// accepted if it is non-empty and carries a recognised prefix, or if the
// receipt's txHash is a ledger digest. Key material is out of reach of this
// service, so a cryptographic tier would have to be added alongside this one
// rather than replace it.
func FormatTier(signature, txHash string) bool {
	if signature != "" && HasSignaturePrefix(signature) {
		return true
	}

	return IsLedgerDigest(txHash)
}
