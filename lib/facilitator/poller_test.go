package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a402-labs/a402/lib/protocol"
)

var now = time.Unix(1_760_000_000, 0)

// fakeBeep is a scripted facilitator. A nil handler answers 500.
type fakeBeep struct {
	paymentRequest http.HandlerFunc
	widgetStatus   http.HandlerFunc
	invoices       http.HandlerFunc

	calls atomic.Int64
	auth  atomic.Value
}

func (f *fakeBeep) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.auth.Store(r.Header.Get("Authorization"))

	var h http.HandlerFunc
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/payments/request":
		h = f.paymentRequest
	case r.Method == http.MethodGet && len(r.URL.Path) > len("/v1/widget/payment-status/") && r.URL.Path[:len("/v1/widget/payment-status/")] == "/v1/widget/payment-status/":
		h = f.widgetStatus
	case r.Method == http.MethodGet && r.URL.Path == "/v1/invoices":
		h = f.invoices
	}

	if h == nil {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	h(w, r)
}

func reply(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

func spawnPoller(t *testing.T, fake *fakeBeep) *Poller {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cli, err := NewHTTPClient(srv.URL, "sk_test", "pk_test", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	p := New(cli, Options{Timeout: 500 * time.Millisecond})
	p.now = func() time.Time { return now }
	return p
}

func receipt() protocol.Receipt {
	return protocol.Receipt{
		ID:           "rcpt_1",
		RequestNonce: "ref_12345678",
		Amount:       "0.50",
		Asset:        "USDC",
		Chain:        "sui-testnet",
	}
}

func TestRateLimit(t *testing.T) {
	fake := &fakeBeep{widgetStatus: reply(http.StatusOK, map[string]any{"status": "paid"})}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cli, err := NewHTTPClient(srv.URL, "sk", "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	cli.WithRateLimit(0.001, 1)

	if _, err := cli.PaymentStatus(t.Context(), "ref"); err != nil {
		t.Fatalf("first request should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	if _, err := cli.PaymentStatus(ctx, "ref"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("wanted ErrUnavailable, got: %v", err)
	}

	if got := fake.calls.Load(); got != 1 {
		t.Errorf("rate limited request reached the facilitator: %d calls", got)
	}
}

func TestNewHTTPClientKeys(t *testing.T) {
	if _, err := NewHTTPClient("", "", "", 0); err != ErrNoAPIKey {
		t.Errorf("wanted ErrNoAPIKey, got: %v", err)
	}

	fake := &fakeBeep{widgetStatus: reply(http.StatusOK, map[string]any{"status": "paid"})}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	for _, tt := range []struct {
		name        string
		secret, pub string
		want        string
	}{
		{name: "secret key preferred", secret: "sk", pub: "pk", want: "Bearer sk"},
		{name: "publishable key fallback", pub: "pk", want: "Bearer pk"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cli, err := NewHTTPClient(srv.URL, tt.secret, tt.pub, time.Second)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := cli.PaymentStatus(t.Context(), "ref"); err != nil {
				t.Fatal(err)
			}

			if got := fake.auth.Load(); got != tt.want {
				t.Errorf("authorization: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrecedence(t *testing.T) {
	paid := reply(http.StatusOK, map[string]any{"status": "paid", "paid": true})

	for _, tt := range []struct {
		name       string
		fake       *fakeBeep
		wantValid  bool
		wantMethod string
	}{
		{
			name: "payment request wins over widget status",
			fake: &fakeBeep{
				paymentRequest: reply(http.StatusOK, map[string]any{"receipt": "rcpt_from_beep", "referenceKey": "ref_12345678"}),
				widgetStatus:   paid,
			},
			wantValid:  true,
			wantMethod: MethodPaymentRequest,
		},
		{
			name: "pending payment request falls through to widget",
			fake: &fakeBeep{
				paymentRequest: reply(http.StatusOK, map[string]any{"status": "issued", "paid": false}),
				widgetStatus:   paid,
			},
			wantValid:  true,
			wantMethod: MethodWidgetStatus,
		},
		{
			name: "402 falls through to widget",
			fake: &fakeBeep{
				paymentRequest: reply(http.StatusPaymentRequired, map[string]any{"referenceKey": "ref_12345678"}),
				widgetStatus:   paid,
			},
			wantValid:  true,
			wantMethod: MethodWidgetStatus,
		},
		{
			name: "transport errors fall through to invoices",
			fake: &fakeBeep{
				invoices: reply(http.StatusOK, []map[string]any{
					{"referenceKey": "ref_12345678", "status": "paid", "amount": 500000},
				}),
			},
			wantValid:  true,
			wantMethod: MethodInvoiceSearch,
		},
		{
			name: "nothing settles",
			fake: &fakeBeep{
				paymentRequest: reply(http.StatusPaymentRequired, nil),
				widgetStatus:   reply(http.StatusOK, map[string]any{"status": "pending"}),
				invoices:       reply(http.StatusOK, map[string]any{"invoices": []any{}}),
			},
			wantValid:  false,
			wantMethod: MethodInvoiceSearch,
		},
		{
			name:       "facilitator down entirely",
			fake:       &fakeBeep{},
			wantValid:  false,
			wantMethod: MethodInvoiceSearch,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			p := spawnPoller(t, tt.fake)

			out := p.Verify(t.Context(), receipt(), nil)
			if out.Valid != tt.wantValid {
				t.Errorf("valid: got %v, want %v (error: %q)", out.Valid, tt.wantValid, out.Error)
			}

			if out.Method != tt.wantMethod {
				t.Errorf("method: got %q, want %q", out.Method, tt.wantMethod)
			}

			if !out.Valid {
				if out.Error == "" {
					t.Error("failed outcome carries no error")
				}

				diag, ok := out.Details.(Diagnostics)
				if !ok {
					t.Fatalf("wanted Diagnostics details, got %T", out.Details)
				}

				if diag.ReferenceKey != "ref_12345678" {
					t.Errorf("referenceKey: got %q", diag.ReferenceKey)
				}

				if len(diag.Attempts) != 3 {
					t.Errorf("wanted 3 attempts, got %d", len(diag.Attempts))
				}
			}
		})
	}
}

func TestShortCircuit(t *testing.T) {
	fake := &fakeBeep{
		paymentRequest: reply(http.StatusOK, map[string]any{"txSignature": "sig"}),
	}
	p := spawnPoller(t, fake)

	if out := p.Verify(t.Context(), receipt(), nil); !out.Valid {
		t.Fatalf("wanted valid, got %+v", out)
	}

	if got := fake.calls.Load(); got != 1 {
		t.Errorf("wanted one facilitator call, got %d", got)
	}
}

func TestTimeoutFallsThrough(t *testing.T) {
	block := make(chan struct{})

	fake := &fakeBeep{
		paymentRequest: func(w http.ResponseWriter, r *http.Request) {
			// the server only notices a client hangup once the body is consumed
			io.Copy(io.Discard, r.Body)

			select {
			case <-block:
			case <-r.Context().Done():
			}
		},
		widgetStatus: reply(http.StatusOK, map[string]any{"paid": true}),
	}
	p := spawnPoller(t, fake)
	p.timeout = 50 * time.Millisecond

	// registered after spawnPoller so it runs before the server is closed
	t.Cleanup(func() { close(block) })

	start := time.Now()

	out := p.Verify(t.Context(), receipt(), nil)
	if !out.Valid || out.Method != MethodWidgetStatus {
		t.Errorf("wanted widget status to settle after a timeout, got %+v", out)
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("the stalled call was not cut off by its timeout, took %s", elapsed)
	}
}

func TestInvoiceSearch(t *testing.T) {
	recent := now.Add(-10 * time.Minute).Format(time.RFC3339)
	newer := now.Add(-2 * time.Minute).Format(time.RFC3339)
	stale := now.Add(-3 * time.Hour).Format(time.RFC3339)

	for _, tt := range []struct {
		name      string
		invoices  any
		amount    string
		wantValid bool
		wantID    string
		wantMatch string
		wantPaid  int
	}{
		{
			name: "exact reference beats amount heuristic",
			invoices: []map[string]any{
				{"id": "inv_heuristic", "status": "paid", "amount": "500000", "updatedAt": newer},
				{"id": "inv_exact", "reference_key": "ref_12345678", "status": "paid", "amount": "1", "updated_at": stale},
			},
			amount:    "0.50",
			wantValid: true,
			wantID:    "inv_exact",
			wantMatch: "exact",
			wantPaid:  2,
		},
		{
			name: "uuid counts as exact",
			invoices: map[string]any{"data": []map[string]any{
				{"id": 7, "uuid": "ref_12345678", "payment_status": "paid"},
			}},
			wantValid: true,
			wantID:    "7",
			wantMatch: "exact",
			wantPaid:  1,
		},
		{
			name: "unpaid exact match is ignored",
			invoices: []map[string]any{
				{"id": "inv_exact", "referenceKey": "ref_12345678", "status": "pending", "updatedAt": newer},
			},
			wantValid: false,
			wantPaid:  0,
		},
		{
			name: "most recently updated heuristic match wins",
			invoices: []map[string]any{
				{"id": "inv_older", "status": "paid", "amount": 500000, "updatedAt": recent},
				{"id": "inv_newer", "status": "paid", "amount": "0.5", "updatedAt": newer},
			},
			amount:    "0.50",
			wantValid: true,
			wantID:    "inv_newer",
			wantMatch: "heuristic",
			wantPaid:  2,
		},
		{
			name: "heuristic skips stale and mismatched amounts",
			invoices: []map[string]any{
				{"id": "inv_stale", "status": "paid", "amount": "500000", "updatedAt": stale},
				{"id": "inv_wrong", "status": "paid", "amount": "400000", "updatedAt": newer},
			},
			amount:    "0.50",
			wantValid: false,
			wantPaid:  2,
		},
		{
			name: "integral invoice amount in whole tokens",
			invoices: []map[string]any{
				{"id": "inv_tokens", "status": "paid", "amount": "2", "updatedAt": newer},
			},
			amount:    "2.00",
			wantValid: true,
			wantID:    "inv_tokens",
			wantMatch: "heuristic",
			wantPaid:  1,
		},
		{
			name: "integral invoice amount matches neither reading",
			invoices: []map[string]any{
				{"id": "inv_off", "status": "paid", "amount": "3", "updatedAt": newer},
			},
			amount:    "2.00",
			wantValid: false,
			wantPaid:  1,
		},
		{
			name: "without a challenge amount recency alone matches",
			invoices: []map[string]any{
				{"id": "inv_any", "status": "PAID", "amount": "123", "updatedAt": now.Add(-time.Minute).UnixMilli()},
			},
			wantValid: true,
			wantID:    "inv_any",
			wantMatch: "heuristic",
			wantPaid:  1,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			p := spawnPoller(t, &fakeBeep{
				paymentRequest: reply(http.StatusPaymentRequired, nil),
				widgetStatus:   reply(http.StatusOK, map[string]any{"status": "pending"}),
				invoices:       reply(http.StatusOK, tt.invoices),
			})

			var chall *protocol.Challenge
			if tt.amount != "" {
				chall = &protocol.Challenge{Amount: tt.amount, Asset: "USDC"}
			}

			out := p.Verify(t.Context(), receipt(), chall)
			if out.Valid != tt.wantValid {
				t.Fatalf("valid: got %v, want %v (%+v)", out.Valid, tt.wantValid, out)
			}

			if out.Method != MethodInvoiceSearch {
				t.Errorf("method: got %q", out.Method)
			}

			if !tt.wantValid {
				if out.Error != MsgNoMatchingInvoice {
					t.Errorf("error: got %q, want %q", out.Error, MsgNoMatchingInvoice)
				}

				diag := out.Details.(Diagnostics)
				if diag.PaidInvoices != tt.wantPaid {
					t.Errorf("paidInvoices: got %d, want %d", diag.PaidInvoices, tt.wantPaid)
				}
				return
			}

			match, ok := out.Details.(InvoiceMatch)
			if !ok {
				t.Fatalf("wanted InvoiceMatch details, got %T", out.Details)
			}

			if match.Invoice.ID != tt.wantID {
				t.Errorf("invoice: got %q, want %q", match.Invoice.ID, tt.wantID)
			}

			if match.Match != tt.wantMatch {
				t.Errorf("match: got %q, want %q", match.Match, tt.wantMatch)
			}
		})
	}
}
