package facilitator

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/a402-labs/a402"
	"github.com/a402-labs/a402/lib/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MethodPaymentRequest = "beep-payment-request"
	MethodWidgetStatus   = "beep-widget-status"
	MethodInvoiceSearch  = "beep-invoice-search"

	// DefaultRecencyWindow bounds how old a paid invoice may be for the
	// amount-and-recency heuristic.
	DefaultRecencyWindow = 2 * time.Hour

	MsgNoMatchingInvoice = "No matching paid invoice found"
	MsgNotVerified       = "Payment could not be verified via facilitator"
)

var (
	facilitatorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a402_facilitator_calls_total",
		Help: "The total number of facilitator verification method calls by result",
	}, []string{"method", "verdict"})

	facilitatorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "a402_facilitator_call_duration_seconds",
		Help:    "Time spent in each facilitator verification method",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method"})
)

// Verdict is the tri-state answer of one verification method. Only
// Inconclusive lets the poller move on to the next method.
type Verdict int

const (
	Inconclusive Verdict = iota
	Valid
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "inconclusive"
	}
}

// Outcome is the result of polling the facilitator for one receipt.
type Outcome struct {
	Valid   bool   `json:"valid"`
	Method  string `json:"method"`
	Details any    `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Attempt records what one method concluded, for diagnostics.
type Attempt struct {
	Method  string `json:"method"`
	Verdict string `json:"verdict"`
	Note    string `json:"note,omitempty"`
}

// Diagnostics is attached to an Outcome when every method came up empty.
type Diagnostics struct {
	TotalInvoices int       `json:"totalInvoices"`
	PaidInvoices  int       `json:"paidInvoices"`
	ReferenceKey  string    `json:"referenceKey"`
	Attempts      []Attempt `json:"attempts"`
}

// InvoiceMatch is the Details payload of a positive invoice search.
type InvoiceMatch struct {
	Invoice Invoice `json:"invoice"`
	Match   string  `json:"match"`
}

// Options tunes a Poller. The zero value is usable.
type Options struct {
	// Timeout bounds each individual facilitator call.
	Timeout time.Duration

	// RecencyWindow bounds the invoice heuristic.
	RecencyWindow time.Duration

	// Decimals returns the decimal precision of an asset symbol.
	Decimals func(asset string) int32

	Logger *slog.Logger
}

// query is the state shared by the methods of one poll.
type query struct {
	reference string
	asset     string
	amount    string

	// filled in by the invoice search for diagnostics
	total, paid int
}

type method struct {
	name string
	run  func(ctx context.Context, q *query) (Verdict, any, string, error)
}

// Poller asks the facilitator, through a fixed sequence of methods, whether a
// receipt's payment settled.
type Poller struct {
	client   Client
	timeout  time.Duration
	window   time.Duration
	decimals func(asset string) int32
	logger   *slog.Logger
	now      func() time.Time
	methods  []method
}

// New creates a Poller over client.
func New(client Client, opts Options) *Poller {
	p := &Poller{
		client:   client,
		timeout:  cmp.Or(opts.Timeout, a402.DefaultUpstreamTimeout),
		window:   cmp.Or(opts.RecencyWindow, DefaultRecencyWindow),
		decimals: opts.Decimals,
		logger:   opts.Logger,
		now:      time.Now,
	}

	if p.decimals == nil {
		p.decimals = func(string) int32 { return a402.DefaultDecimals }
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.methods = []method{
		{name: MethodPaymentRequest, run: p.pollPaymentRequest},
		{name: MethodWidgetStatus, run: p.pollWidgetStatus},
		{name: MethodInvoiceSearch, run: p.searchInvoices},
	}

	return p
}

// Verify runs the methods in order and returns on the first definitive
// verdict. Facilitator failures never surface as errors: they are logged and
// the next method is tried. chall may be nil.
func (p *Poller) Verify(ctx context.Context, rcpt protocol.Receipt, chall *protocol.Challenge) Outcome {
	q := &query{
		reference: rcpt.RequestNonce,
		asset:     rcpt.Asset,
	}
	if chall != nil {
		q.amount = chall.Amount
		if chall.Asset != "" {
			q.asset = chall.Asset
		}
	}

	lg := p.logger.With("reference", q.reference)

	var (
		attempts []Attempt
		last     string
		lastNote string
	)

	for _, m := range p.methods {
		last = m.name

		verdict, details, note, err := p.call(ctx, m, q)
		if err != nil {
			lg.Debug("facilitator method failed", "method", m.name, "err", err)
			note = publicReason(err)
		}

		lg.Debug("facilitator method finished", "method", m.name, "verdict", verdict.String())
		attempts = append(attempts, Attempt{Method: m.name, Verdict: verdict.String(), Note: note})
		lastNote = note

		switch verdict {
		case Valid:
			return Outcome{Valid: true, Method: m.name, Details: details}
		case Invalid:
			return Outcome{
				Method:  m.name,
				Details: p.diagnostics(q, attempts),
				Error:   cmp.Or(note, MsgNotVerified),
			}
		}
	}

	return Outcome{
		Method:  last,
		Details: p.diagnostics(q, attempts),
		Error:   cmp.Or(lastNote, MsgNotVerified),
	}
}

func (p *Poller) diagnostics(q *query, attempts []Attempt) Diagnostics {
	return Diagnostics{
		TotalInvoices: q.total,
		PaidInvoices:  q.paid,
		ReferenceKey:  q.reference,
		Attempts:      attempts,
	}
}

// call runs one method under its own timeout. An error always yields
// Inconclusive.
func (p *Poller) call(ctx context.Context, m method, q *query) (Verdict, any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	verdict, details, note, err := m.run(ctx, q)
	facilitatorCallDuration.WithLabelValues(m.name).Observe(time.Since(start).Seconds())

	if err != nil {
		facilitatorCalls.WithLabelValues(m.name, "error").Inc()
		return Inconclusive, nil, "", err
	}

	facilitatorCalls.WithLabelValues(m.name, verdict.String()).Inc()
	return verdict, details, note, nil
}

func (p *Poller) pollPaymentRequest(ctx context.Context, q *query) (Verdict, any, string, error) {
	resp, err := p.client.RequestPayment(ctx, q.reference)
	if err != nil {
		return Inconclusive, nil, "", err
	}

	if resp.StatusCode == 402 {
		return Inconclusive, nil, "invoice exists but is unpaid", nil
	}

	if resp.Settled() {
		return Valid, resp, "", nil
	}

	return Inconclusive, nil, "payment pending", nil
}

func (p *Poller) pollWidgetStatus(ctx context.Context, q *query) (Verdict, any, string, error) {
	status, err := p.client.PaymentStatus(ctx, q.reference)
	if err != nil {
		return Inconclusive, nil, "", err
	}

	if status.Settled() {
		return Valid, status, "", nil
	}

	return Inconclusive, nil, "widget reports status " + cmp.Or(status.Status, "unknown"), nil
}

func (p *Poller) searchInvoices(ctx context.Context, q *query) (Verdict, any, string, error) {
	invoices, err := p.client.ListInvoices(ctx)
	if err != nil {
		return Inconclusive, nil, "", err
	}

	inv, how, paid := p.pickInvoice(invoices, q)
	q.total = len(invoices)
	q.paid = paid

	if inv == nil {
		return Invalid, nil, MsgNoMatchingInvoice, nil
	}

	return Valid, InvoiceMatch{Invoice: *inv, Match: how}, "", nil
}

// pickInvoice chooses the paid invoice that settles q. An exact reference
// match always wins. Otherwise the most recently updated invoice inside the
// recency window whose amount equals the expected amount is chosen. It also
// returns the number of paid invoices seen.
func (p *Poller) pickInvoice(invoices []Invoice, q *query) (*Invoice, string, int) {
	paid := make([]Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.Paid() {
			paid = append(paid, inv)
		}
	}

	for i := range paid {
		if paid[i].Matches(q.reference) {
			return &paid[i], "exact", len(paid)
		}
	}

	var expected *big.Int
	if q.amount != "" {
		var err error
		expected, err = protocol.ToBaseUnits(q.amount, p.decimals(q.asset))
		if err != nil {
			p.logger.Debug("can't convert challenge amount, ignoring it", "amount", q.amount, "err", err)
			expected = nil
		}
	}

	cutoff := p.now().Add(-p.window)
	var candidates []Invoice
	for _, inv := range paid {
		if inv.UpdatedAt.IsZero() || inv.UpdatedAt.Before(cutoff) {
			continue
		}

		if expected != nil && !p.invoiceAmountIs(inv, q.asset, expected) {
			continue
		}

		candidates = append(candidates, inv)
	}

	if len(candidates) == 0 {
		return nil, "", len(paid)
	}

	slices.SortStableFunc(candidates, func(a, b Invoice) int {
		return b.UpdatedAt.Compare(a.UpdatedAt.Time)
	})

	return &candidates[0], "heuristic", len(paid)
}

// invoiceAmountIs reports whether an invoice is for expected base units. The
// facilitator does not say which unit an invoice amount is in. An amount with
// a decimal point is a token amount. An integral amount matches when either
// reading, base units or whole tokens, equals expected.
func (p *Poller) invoiceAmountIs(inv Invoice, asset string, expected *big.Int) bool {
	amount := strings.TrimSpace(string(inv.Amount))
	if amount == "" {
		return false
	}

	tokens, err := protocol.ToBaseUnits(amount, p.decimals(asset))
	if err == nil && tokens.Cmp(expected) == 0 {
		return true
	}

	if strings.Contains(amount, ".") {
		return false
	}

	units, ok := new(big.Int).SetString(amount, 10)
	return ok && units.Cmp(expected) == 0
}

func publicReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "facilitator timed out"
	case errors.Is(err, ErrUnavailable):
		return "facilitator unreachable"
	case errors.Is(err, ErrUnexpectedStatus):
		return "facilitator returned an unexpected status"
	default:
		return "facilitator request failed"
	}
}
