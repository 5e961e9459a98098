// Package onchain verifies a receipt against the Sui ledger: the transaction
// must have succeeded and must credit the expected recipient with at least the
// expected amount.
package onchain

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/lib/matcher"
	"github.com/a402-labs/a402/lib/protocol"
	"github.com/a402-labs/a402/lib/sui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Method is the method name reported for every on-chain outcome.
const Method = "onchain"

const (
	MsgMissingFields       = "Missing required fields"
	MsgInvalidTxFormat     = "Invalid transaction hash format"
	MsgNotFound            = "Transaction not found on chain"
	MsgStatusNotSuccessful = "On-chain transaction status is not successful"
	MsgRecipientMissing    = "On-chain transfer does not include the expected recipient"
	MsgAmountBelow         = "On-chain amount is below expected value"
	MsgBadExpectedAmount   = "Expected amount is not a valid decimal"
)

var (
	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a402_onchain_verifications_total",
		Help: "The total number of on-chain verifications by verdict",
	}, []string{"verdict"})

	ledgerLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "a402_ledger_lookup_duration_seconds",
		Help:    "Time spent fetching transactions from the ledger RPC",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

// Details is the ledger's view of the transaction. It is absent from an
// Outcome when no lookup was made.
type Details struct {
	Found          bool   `json:"found"`
	Status         string `json:"status,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Checkpoint     string `json:"checkpoint,omitempty"`
	TimestampMs    string `json:"timestampMs,omitempty"`
	RecipientMatch bool   `json:"recipientMatch"`
	AmountMatch    bool   `json:"amountMatch"`
	Error          string `json:"error,omitempty"`
}

// Outcome is the verdict of one on-chain verification.
type Outcome struct {
	Valid       bool            `json:"valid"`
	Method      string          `json:"method"`
	Checks      map[string]bool `json:"checks"`
	Errors      []string        `json:"errors,omitempty"`
	ExplorerURL string          `json:"explorerUrl"`
	Onchain     *Details        `json:"onchain,omitempty"`
}

// Ledgers resolves a chain identifier to a ledger client.
type Ledgers interface {
	For(chain string) (sui.Ledger, error)
}

// Asset describes how amounts of one token are counted on-chain.
type Asset struct {
	Decimals int32
	CoinType string // empty matches any coin type
}

// Options configures a Verifier.
type Options struct {
	Ledgers Ledgers

	// Asset looks up an asset symbol. Unknown symbols should report
	// a402.DefaultDecimals and no coin type.
	Asset func(symbol string) Asset

	// ExplorerURL builds the explorer link for a transaction.
	ExplorerURL func(chain, digest string) string

	Timeout time.Duration
	Logger  *slog.Logger
}

// Verifier checks receipts against the ledger.
type Verifier struct {
	ledgers  Ledgers
	asset    func(string) Asset
	explorer func(chain, digest string) string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Verifier {
	v := &Verifier{
		ledgers:  opts.Ledgers,
		asset:    opts.Asset,
		explorer: opts.ExplorerURL,
		timeout:  cmp.Or(opts.Timeout, a402.DefaultUpstreamTimeout),
		logger:   opts.Logger,
		now:      time.Now,
	}

	if v.asset == nil {
		v.asset = func(string) Asset { return Asset{Decimals: a402.DefaultDecimals} }
	}

	if v.explorer == nil {
		v.explorer = DefaultExplorerURL
	}

	if v.logger == nil {
		v.logger = slog.Default()
	}

	return v
}

// DefaultExplorerURL links to Suiscan for the chain's network.
func DefaultExplorerURL(chain, digest string) string {
	return fmt.Sprintf("https://suiscan.xyz/%s/tx/%s", protocol.Network(chain), digest)
}

// Verify runs every check and accumulates failures; no check aborts the
// others. chall may be nil, in which case the expected recipient and amount
// are taken from the receipt itself. Ledger failures are reported in the
// Outcome, never returned.
func (v *Verifier) Verify(ctx context.Context, rcpt protocol.Receipt, chall *protocol.Challenge) Outcome {
	out := Outcome{
		Method:      Method,
		Checks:      map[string]bool{},
		Errors:      []string{},
		ExplorerURL: v.explorer(rcpt.Chain, rcpt.TxHash),
	}

	widget := protocol.IsWidgetAttested(rcpt.Signature)

	missing := rcpt.MissingFields()
	out.Checks["hasRequiredFields"] = len(missing) == 0
	if len(missing) != 0 {
		out.Errors = append(out.Errors, MsgMissingFields+": "+strings.Join(missing, ", "))
	}

	out.Checks["validTxFormat"] = protocol.IsLedgerDigest(rcpt.TxHash) || protocol.IsHexHash(rcpt.TxHash) || widget
	if !out.Checks["validTxFormat"] {
		out.Errors = append(out.Errors, MsgInvalidTxFormat)
	}

	out.Checks["signatureValid"] = protocol.FormatTier(rcpt.Signature, rcpt.TxHash)
	if !out.Checks["signatureValid"] {
		out.Errors = append(out.Errors, matcher.MsgInvalidSignature)
	}

	recipient, amount, asset := rcpt.Merchant, rcpt.Amount, rcpt.Asset
	if chall != nil {
		result := matcher.Match(rcpt, *chall, v.now())
		for name, ok := range result.Checks() {
			if name == "signatureValid" {
				continue
			}
			out.Checks[name] = ok
		}

		for _, msg := range result.Errors {
			if msg != matcher.MsgInvalidSignature {
				out.Errors = append(out.Errors, msg)
			}
		}

		recipient = cmp.Or(chall.Recipient, recipient)
		amount = cmp.Or(chall.Amount, amount)
		asset = cmp.Or(chall.Asset, asset)
	}

	if rcpt.TxHash != "" && !widget && (protocol.IsLedgerDigest(rcpt.TxHash) || protocol.IsHexHash(rcpt.TxHash)) {
		out.Onchain = v.inspect(ctx, &out, rcpt, recipient, amount, asset)
	}

	out.Valid = len(out.Errors) == 0
	for _, ok := range out.Checks {
		out.Valid = out.Valid && ok
	}

	if out.Valid {
		verifications.WithLabelValues("valid").Inc()
	} else {
		verifications.WithLabelValues("invalid").Inc()
	}

	return out
}

// inspect fetches the transaction and compares its balance changes with the
// expected transfer, recording checks and errors in out.
func (v *Verifier) inspect(ctx context.Context, out *Outcome, rcpt protocol.Receipt, recipient, amount, asset string) *Details {
	lg := v.logger.With("digest", rcpt.TxHash, "chain", rcpt.Chain)

	tx, err := v.fetch(ctx, rcpt.Chain, rcpt.TxHash)
	if err != nil {
		lg.Debug("ledger lookup failed", "err", err)
		out.Checks["onchainFound"] = false
		out.Errors = append(out.Errors, MsgNotFound)
		return &Details{Found: false, Error: err.Error()}
	}
	out.Checks["onchainFound"] = true

	details := &Details{
		Found:       true,
		Status:      tx.Status(),
		Sender:      tx.Sender(),
		Checkpoint:  tx.Checkpoint,
		TimestampMs: tx.TimestampMs,
	}

	out.Checks["onchainStatusSuccess"] = details.Status == "success"
	if !out.Checks["onchainStatusSuccess"] {
		out.Errors = append(out.Errors, MsgStatusNotSuccessful)
	}

	meta := v.asset(asset)

	var credited []*big.Int
	for _, bc := range tx.BalanceChanges {
		if !bc.Owner.Is(recipient) {
			continue
		}

		if meta.CoinType != "" && !strings.EqualFold(bc.CoinType, meta.CoinType) {
			continue
		}

		n, ok := new(big.Int).SetString(bc.Amount, 10)
		if !ok {
			lg.Debug("skipping balance change with unparseable amount", "amount", bc.Amount)
			continue
		}
		credited = append(credited, n)
	}

	details.RecipientMatch = len(credited) != 0
	out.Checks["onchainRecipientMatch"] = details.RecipientMatch
	if !details.RecipientMatch {
		out.Errors = append(out.Errors, MsgRecipientMissing)
		out.Checks["onchainAmountMatch"] = false
		return details
	}

	expected, err := protocol.ToBaseUnits(amount, meta.Decimals)
	if err != nil {
		out.Checks["onchainAmountMatch"] = false
		out.Errors = append(out.Errors, MsgBadExpectedAmount)
		return details
	}

	for _, n := range credited {
		if n.Cmp(expected) >= 0 {
			details.AmountMatch = true
			break
		}
	}

	out.Checks["onchainAmountMatch"] = details.AmountMatch
	if !details.AmountMatch {
		out.Errors = append(out.Errors, MsgAmountBelow)
	}

	return details
}

func (v *Verifier) fetch(ctx context.Context, chain, digest string) (*sui.TransactionBlock, error) {
	if v.ledgers == nil {
		return nil, sui.ErrNoLedger
	}

	ledger, err := v.ledgers.For(chain)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	defer func() { ledgerLookupDuration.Observe(time.Since(start).Seconds()) }()

	return ledger.GetTransactionBlock(ctx, digest)
}
