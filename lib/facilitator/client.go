// Package facilitator talks to the Beep payment facilitator and decides, by
// polling it, whether a receipt's payment settled.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable wraps transport failures talking to the facilitator.
	ErrUnavailable = errors.New("facilitator: service unavailable")

	// ErrUnexpectedStatus is returned for HTTP statuses the caller can't
	// interpret as an answer.
	ErrUnexpectedStatus = errors.New("facilitator: unexpected HTTP status")

	// ErrNoAPIKey is returned when neither a secret nor a publishable key is
	// configured.
	ErrNoAPIKey = errors.New("facilitator: no API key configured")
)

// DefaultBaseURL is the public Beep API.
const DefaultBaseURL = "https://api.justbeep.it"

// Client is the subset of the facilitator API the poller needs.
type Client interface {
	// RequestPayment polls the payment-request endpoint for a payment
	// reference. A 402 answer is returned as a PaymentRequest, not an error.
	RequestPayment(ctx context.Context, reference string) (*PaymentRequest, error)

	// PaymentStatus fetches the widget payment status for a reference key.
	PaymentStatus(ctx context.Context, reference string) (*WidgetStatus, error)

	// ListInvoices fetches every invoice visible to the API key, in the order
	// the API returns them.
	ListInvoices(ctx context.Context) ([]Invoice, error)
}

// HTTPClient implements Client against the Beep REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client authenticated with the secret key, falling
// back to the publishable key. It fails with ErrNoAPIKey if both are empty.
func NewHTTPClient(baseURL, secretKey, publishableKey string, timeout time.Duration) (*HTTPClient, error) {
	apiKey := secretKey
	if apiKey == "" {
		apiKey = publishableKey
	}

	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// WithRateLimit caps outgoing requests at perSecond with the given burst. A
// request that would have to wait past its context deadline fails with
// ErrUnavailable instead of being sent.
func (c *HTTPClient) WithRateLimit(perSecond float64, burst int) *HTTPClient {
	if perSecond <= 0 {
		c.limiter = nil
		return c
	}

	c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	return c
}

func (c *HTTPClient) RequestPayment(ctx context.Context, reference string) (*PaymentRequest, error) {
	var result PaymentRequest

	status, err := c.do(ctx, http.MethodPost, "/v1/payments/request", map[string]string{
		"paymentReference": reference,
	}, &result, http.StatusOK, http.StatusPaymentRequired)
	if err != nil {
		return nil, err
	}

	result.StatusCode = status
	return &result, nil
}

func (c *HTTPClient) PaymentStatus(ctx context.Context, reference string) (*WidgetStatus, error) {
	var result WidgetStatus

	if _, err := c.do(ctx, http.MethodGet, "/v1/widget/payment-status/"+url.PathEscape(reference), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *HTTPClient) ListInvoices(ctx context.Context) ([]Invoice, error) {
	var result invoiceList

	if _, err := c.do(ctx, http.MethodGet, "/v1/invoices", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}

	return result, nil
}

// do performs one request and decodes the body into out when the status is
// one of accepted. A body that fails to decode on an accepted status is left
// zero-valued rather than failing the call: 402 answers in particular often
// carry no JSON.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any, accepted ...int) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("%w: %s %s: rate limited: %w", ErrUnavailable, method, path, err)
		}
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("facilitator: can't marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("facilitator: can't create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, status := range accepted {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}

	if !ok {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status=%d body=%q", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: reading %s: %w", ErrUnavailable, path, err)
	}

	if len(bytes.TrimSpace(data)) != 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode == http.StatusOK {
			return resp.StatusCode, fmt.Errorf("facilitator: can't decode %s response: %w", path, err)
		}
	}

	return resp.StatusCode, nil
}
