package lib

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/a402-labs/a402/internal"
	"github.com/a402-labs/a402/lib/challenge"
	"github.com/a402-labs/a402/lib/facilitator"
	"github.com/a402-labs/a402/lib/matcher"
	"github.com/a402-labs/a402/lib/onchain"
	"github.com/a402-labs/a402/lib/protocol"
	"github.com/a402-labs/a402/lib/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MsgInvalidJSON      = "Invalid JSON body"
	MsgNonceUsed        = "Nonce already used"
	MsgUnknownChallenge = "Unknown or expired challenge nonce"
	MsgReceiptRequired  = "receipt is required"
	MsgNonceRequired    = "receipt.requestNonce is required"
	MsgNoFacilitatorKey = "Facilitator API key not configured"
	HintFacilitatorKey  = "Set BEEP_SECRET_KEY or BEEP_PUBLISHABLE_KEY"
	MsgNoMerchant       = "Merchant address not configured"
	HintMerchant        = "Set MERCHANT_ADDRESS"
)

var (
	verificationsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a402_verifications_total",
		Help: "The total number of verification requests answered, by route and verdict",
	}, []string{"route", "verdict"})

	verificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "a402_verification_duration_seconds",
		Help:    "Time spent answering verification requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type Server struct {
	mux      *http.ServeMux
	issuer   *challenge.Issuer
	replay   *replay.Guard
	poller   *facilitator.Poller
	verifier *onchain.Verifier
	opts     Options
	now      func() time.Time
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func observe(route string, start time.Time, valid bool) {
	verificationDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if valid {
		verificationsServed.WithLabelValues(route, "valid").Inc()
	} else {
		verificationsServed.WithLabelValues(route, "invalid").Inc()
	}
}

// MakeChallenge issues a payment challenge. The answer is always 402 Payment
// Required on success.
func (s *Server) MakeChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if s.opts.Merchant == "" {
		lg.Error("can't issue challenge without a merchant address")
		writeJSON(w, lg, http.StatusInternalServerError, errorResponse{Error: MsgNoMerchant, Hint: HintMerchant})
		return
	}

	var req challenge.Request
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		lg.Debug("can't decode challenge request", "err", err)
		s.respondWithErrors(w, lg, http.StatusBadRequest, MsgInvalidJSON)
		return
	}

	issued, err := s.issuer.Issue(r.Context(), req)
	if err != nil {
		var cerr *challenge.Error
		if errors.As(err, &cerr) {
			lg.Debug("rejected challenge request", "err", err)
			s.respondWithErrors(w, lg, cerr.StatusCode, publicErrors(cerr.PrivateReason)...)
			return
		}

		lg.Error("can't issue challenge", "err", err)
		s.respondWithErrors(w, lg, http.StatusInternalServerError, "Internal error while issuing challenge")
		return
	}

	lg.Debug("issued challenge", "nonce", issued.Nonce, "amount", issued.Amount, "chain", issued.Chain)
	writeJSON(w, lg, http.StatusPaymentRequired, issued)
}

type verifyResponse struct {
	Valid     bool            `json:"valid"`
	ReceiptID string          `json:"receipt_id"`
	Checks    map[string]bool `json:"checks"`
}

// Verify is the basic verification route: field presence, then replay
// protection. It does not contact the facilitator or the ledger.
func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	start := time.Now()

	var rcpt protocol.Receipt
	if err := decodeJSON(w, r, &rcpt); err != nil {
		lg.Debug("can't decode receipt", "err", err)
		s.respondWithErrors(w, lg, http.StatusBadRequest, MsgInvalidJSON)
		observe("verify", start, false)
		return
	}

	missing := rcpt.MissingFields()
	if strings.TrimSpace(rcpt.RequestNonce) == "" {
		missing = append(missing, "requestNonce")
	}

	if len(missing) != 0 {
		errs := make([]string, len(missing))
		for i, field := range missing {
			errs[i] = "Missing required field: " + field
		}
		s.respondWithErrors(w, lg, http.StatusUnprocessableEntity, errs...)
		observe("verify", start, false)
		return
	}

	lg = lg.With("receipt_id", rcpt.ID, "nonce", rcpt.RequestNonce)

	expiresAt, status, msg := s.issuedExpiry(r.Context(), rcpt.RequestNonce)
	if status != 0 {
		lg.Info("rejected receipt for stale challenge", "status", status, "reason", msg)
		s.respondWithErrors(w, lg, status, msg)
		observe("verify", start, false)
		return
	}

	claimed, err := s.replay.Claim(r.Context(), rcpt.RequestNonce, rcpt.ID, expiresAt)
	if err != nil {
		lg.Error("can't claim nonce", "err", err)
		s.respondWithErrors(w, lg, http.StatusInternalServerError, "Internal error while checking nonce")
		observe("verify", start, false)
		return
	}

	if !claimed {
		lg.Info("rejected replayed nonce")
		s.respondWithErrors(w, lg, http.StatusConflict, MsgNonceUsed)
		observe("verify", start, false)
		return
	}

	writeJSON(w, lg, http.StatusOK, verifyResponse{
		Valid:     true,
		ReceiptID: rcpt.ID,
		Checks: map[string]bool{
			"requiredFields":  true,
			"replayProtected": true,
		},
	})
	observe("verify", start, true)
}

// issuedExpiry finds the expiry of the challenge nonce answers. The zero time
// means the nonce was not minted here and falls back to the replay window. A
// non-zero status is the rejection to send instead of claiming the nonce.
//
// An issued challenge is remembered longer than its nonce's replay entry, so
// an expired challenge is caught here even after the entry is evicted. A
// nonce with the issuer's prefix that cannot be found at all is older still.
func (s *Server) issuedExpiry(ctx context.Context, nonce string) (time.Time, int, string) {
	chall, err := s.issuer.Lookup(ctx, nonce)
	switch {
	case errors.Is(err, challenge.ErrUnknownNonce):
		if strings.HasPrefix(nonce, challenge.NoncePrefix) {
			return time.Time{}, http.StatusGone, MsgUnknownChallenge
		}
		return time.Time{}, 0, ""
	case err != nil:
		s.opts.Logger.Error("can't look up challenge", "err", err)
		return time.Time{}, http.StatusInternalServerError, "Internal error while checking nonce"
	case chall.Expiry == nil:
		return time.Time{}, 0, ""
	}

	if matcher.NotExpired(chall.Expiry, s.now()) {
		return time.Unix(*chall.Expiry, 0), 0, ""
	}

	used, err := s.replay.HasBeenUsed(ctx, nonce)
	switch {
	case err != nil:
		s.opts.Logger.Error("can't check nonce", "err", err)
		return time.Time{}, http.StatusInternalServerError, "Internal error while checking nonce"
	case used:
		return time.Time{}, http.StatusConflict, MsgNonceUsed
	default:
		return time.Time{}, http.StatusGone, matcher.MsgChallengeExpired
	}
}

// verificationRequest is the body of the facilitator and on-chain routes.
// The challenge may be given inline or as the token returned when it was
// issued; the token wins when both are present.
type verificationRequest struct {
	Receipt        *protocol.Receipt   `json:"receipt"`
	Challenge      *protocol.Challenge `json:"challenge,omitempty"`
	ChallengeToken string              `json:"challengeToken,omitempty"`
}

// readVerification decodes a verificationRequest and resolves its challenge.
// It writes the error response itself and reports whether to go on.
func (s *Server) readVerification(w http.ResponseWriter, r *http.Request, route string) (*verificationRequest, bool) {
	lg := internal.GetRequestLogger(r)

	var req verificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		lg.Debug("can't decode verification request", "route", route, "err", err)
		s.respondWithErrors(w, lg, http.StatusBadRequest, MsgInvalidJSON)
		return nil, false
	}

	if req.Receipt == nil {
		s.respondWithErrors(w, lg, http.StatusBadRequest, MsgReceiptRequired)
		return nil, false
	}

	if req.ChallengeToken != "" {
		chall, err := s.issuer.ParseToken(req.ChallengeToken)
		if err != nil {
			lg.Debug("rejected challenge token", "err", err)

			var cerr *challenge.Error
			if errors.As(err, &cerr) {
				s.respondWithErrors(w, lg, cerr.StatusCode, cerr.PublicReason)
			} else {
				s.respondWithErrors(w, lg, http.StatusBadRequest, "invalid challenge token")
			}
			return nil, false
		}
		req.Challenge = chall
	}

	return &req, true
}

// VerifyBeep verifies a receipt by polling the facilitator.
func (s *Server) VerifyBeep(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	start := time.Now()

	req, ok := s.readVerification(w, r, "verify-beep")
	if !ok {
		observe("verify-beep", start, false)
		return
	}

	if strings.TrimSpace(req.Receipt.RequestNonce) == "" {
		s.respondWithErrors(w, lg, http.StatusBadRequest, MsgNonceRequired)
		observe("verify-beep", start, false)
		return
	}

	if s.poller == nil {
		lg.Error("facilitator verification requested but no API key is configured")
		writeJSON(w, lg, http.StatusInternalServerError, errorResponse{Error: MsgNoFacilitatorKey, Hint: HintFacilitatorKey})
		observe("verify-beep", start, false)
		return
	}

	out := s.poller.Verify(r.Context(), *req.Receipt, req.Challenge)
	lg.Info("facilitator verification finished", "nonce", req.Receipt.RequestNonce, "valid", out.Valid, "method", out.Method)

	writeJSON(w, lg, http.StatusOK, out)
	observe("verify-beep", start, out.Valid)
}

// VerifyOnchain matches the receipt against the challenge and inspects the
// ledger.
func (s *Server) VerifyOnchain(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	start := time.Now()

	req, ok := s.readVerification(w, r, "verify-onchain")
	if !ok {
		observe("verify-onchain", start, false)
		return
	}

	out := s.verifier.Verify(r.Context(), *req.Receipt, req.Challenge)
	lg.Info("on-chain verification finished", "receipt_id", req.Receipt.ID, "tx", req.Receipt.TxHash, "valid", out.Valid)

	writeJSON(w, lg, http.StatusOK, out)
	observe("verify-onchain", start, out.Valid)
}
