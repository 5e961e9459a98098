package facilitator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PaymentRequest is the facilitator's answer to a payment-request poll. The
// HTTP status is kept because 402 is an answer ("invoice exists, unpaid"),
// not a failure.
type PaymentRequest struct {
	StatusCode   int    `json:"-"`
	ReferenceKey string `json:"referenceKey,omitempty"`
	Status       string `json:"status,omitempty"`
	Paid         *bool  `json:"paid,omitempty"`
	Receipt      string `json:"receipt,omitempty"`
	TxSignature  string `json:"txSignature,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PaymentURL   string `json:"paymentUrl,omitempty"`
}

// Settled reports whether the facilitator handed back proof of payment.
func (p PaymentRequest) Settled() bool {
	if p.Receipt != "" || p.TxSignature != "" || p.Signature != "" {
		return true
	}

	return p.Paid != nil && *p.Paid
}

// WidgetStatus is the payment-status-by-reference response.
type WidgetStatus struct {
	Status string `json:"status,omitempty"`
	Paid   *bool  `json:"paid,omitempty"`
}

// Settled reports whether the widget reports the payment as paid.
func (w WidgetStatus) Settled() bool {
	return strings.EqualFold(w.Status, "paid") || (w.Paid != nil && *w.Paid)
}

// Invoice is one entry of the facilitator's invoice list, normalised from the
// several shapes the API has returned over time.
type Invoice struct {
	ID           string     `json:"id,omitempty"`
	UUID         string     `json:"uuid,omitempty"`
	ReferenceKey string     `json:"referenceKey,omitempty"`
	Status       string     `json:"status,omitempty"`
	Amount       FlexString `json:"amount,omitempty"`
	UpdatedAt    FlexTime   `json:"updatedAt,omitempty"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (i *Invoice) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              FlexString `json:"id"`
		UUID            string     `json:"uuid"`
		ReferenceKey    string     `json:"referenceKey"`
		ReferenceKeySC  string     `json:"reference_key"`
		Status          string     `json:"status"`
		Amount          FlexString `json:"amount"`
		UpdatedAt       FlexTime   `json:"updatedAt"`
		UpdatedAtSC     FlexTime   `json:"updated_at"`
		PaymentStatus   string     `json:"payment_status"`
		ReferenceKeyAlt string     `json:"reference"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*i = Invoice{
		ID:           string(raw.ID),
		UUID:         raw.UUID,
		ReferenceKey: firstNonEmpty(raw.ReferenceKey, raw.ReferenceKeySC, raw.ReferenceKeyAlt),
		Status:       firstNonEmpty(raw.Status, raw.PaymentStatus),
		Amount:       raw.Amount,
		UpdatedAt:    raw.UpdatedAt,
	}

	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = raw.UpdatedAtSC
	}

	return nil
}

// Paid reports whether the invoice is settled.
func (i Invoice) Paid() bool {
	return strings.EqualFold(strings.TrimSpace(i.Status), "paid")
}

// Matches reports whether ref names this invoice exactly.
func (i Invoice) Matches(ref string) bool {
	if ref == "" {
		return false
	}

	return i.ReferenceKey == ref || i.UUID == ref || i.ID == ref
}

// invoiceList decodes an invoice list returned as a bare array or wrapped in
// an object under "invoices" or "data".
type invoiceList []Invoice

func (l *invoiceList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var result []Invoice
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
		*l = result
		return nil
	}

	var wrapped struct {
		Invoices []Invoice `json:"invoices"`
		Data     []Invoice `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}

	if wrapped.Invoices != nil {
		*l = wrapped.Invoices
	} else {
		*l = wrapped.Data
	}

	return nil
}

// FlexString decodes a JSON string or number into its textual form.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("facilitator: value is neither string nor number: %s", data)
	}
	*f = FlexString(n.String())

	return nil
}

// FlexTime decodes an RFC 3339 timestamp string or a unix millisecond number.
type FlexTime struct {
	time.Time
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}

	if s == "" {
		f.Time = time.Time{}
		return nil
	}

	if ms, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		f.Time = time.UnixMilli(ms)
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return fmt.Errorf("facilitator: can't parse timestamp %q: %w", s, err)
	}
	f.Time = t

	return nil
}

func (f FlexTime) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(f.Time)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
