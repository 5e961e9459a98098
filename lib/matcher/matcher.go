// Package matcher compares a receipt against the challenge it claims to
// satisfy. It never touches the network.
package matcher

import (
	"time"

	"github.com/a402-labs/a402/lib/protocol"
)

// Error strings, one per failed check.
const (
	MsgAmountMismatch    = "Amount mismatch"
	MsgChainMismatch     = "Chain mismatch"
	MsgNonceMismatch     = "Nonce mismatch"
	MsgRecipientMismatch = "Recipient mismatch"
	MsgChallengeExpired  = "Challenge expired"
	MsgInvalidSignature  = "Invalid signature format"
)

// Result carries the outcome of every check independently. Valid is the
// conjunction of all of them.
type Result struct {
	AmountMatch    bool     `json:"amountMatch"`
	ChainMatch     bool     `json:"chainMatch"`
	NonceValid     bool     `json:"nonceValid"`
	RecipientMatch bool     `json:"recipientMatch"`
	NotExpired     bool     `json:"notExpired"`
	SignatureValid bool     `json:"signatureValid"`
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors"`
}

// Checks returns the individual checks keyed by their JSON names.
func (r Result) Checks() map[string]bool {
	return map[string]bool{
		"amountMatch":    r.AmountMatch,
		"chainMatch":     r.ChainMatch,
		"nonceValid":     r.NonceValid,
		"recipientMatch": r.RecipientMatch,
		"notExpired":     r.NotExpired,
		"signatureValid": r.SignatureValid,
	}
}

// NotExpired reports whether a challenge with the given expiry (unix seconds,
// nil for none) is still payable at now.
func NotExpired(expiry *int64, now time.Time) bool {
	if expiry == nil {
		return true
	}

	return *expiry > now.Unix()
}

// Match compares rcpt to chall field by field. Amount, chain, nonce and
// recipient use exact string equality, so "0.50" and "0.5" do not match;
// numeric tolerance only exists at the on-chain base unit level. The signature
// check is protocol.FormatTier, a shape check and nothing more.
//
// Match is pure: the same inputs always produce the same Result.
func Match(rcpt protocol.Receipt, chall protocol.Challenge, now time.Time) Result {
	result := Result{
		AmountMatch:    rcpt.Amount == chall.Amount,
		ChainMatch:     rcpt.Chain == chall.Chain,
		NonceValid:     rcpt.RequestNonce == chall.Nonce,
		RecipientMatch: rcpt.Merchant == chall.Recipient,
		NotExpired:     NotExpired(chall.Expiry, now),
		SignatureValid: protocol.FormatTier(rcpt.Signature, rcpt.TxHash),
		Errors:         []string{},
	}

	for _, check := range []struct {
		ok  bool
		msg string
	}{
		{result.AmountMatch, MsgAmountMismatch},
		{result.ChainMatch, MsgChainMismatch},
		{result.NonceValid, MsgNonceMismatch},
		{result.RecipientMatch, MsgRecipientMismatch},
		{result.NotExpired, MsgChallengeExpired},
		{result.SignatureValid, MsgInvalidSignature},
	} {
		if !check.ok {
			result.Errors = append(result.Errors, check.msg)
		}
	}

	result.Valid = len(result.Errors) == 0

	return result
}
