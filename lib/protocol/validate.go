package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
)

var (
	ErrMissingAmount    = errors.New("protocol: challenge amount is required")
	ErrMissingAsset     = errors.New("protocol: challenge asset is required")
	ErrMissingRecipient = errors.New("protocol: challenge recipient is required")
	ErrMissingNonce     = errors.New("protocol: challenge nonce is required")
	ErrBadCallback      = errors.New("protocol: challenge callback is not an absolute URL")
)

// MinNonceLength is the nonce length below which a challenge draws a warning.
const MinNonceLength = 8

// ValidateChallenge checks a challenge before it is issued. Hard failures are
// joined into the returned error; soft problems (unknown chain, short nonce)
// come back as warnings and do not block issuance.
func ValidateChallenge(c Challenge) (warnings []string, err error) {
	var errs []error

	if c.Amount == "" {
		errs = append(errs, ErrMissingAmount)
	} else if _, err := ParseAmount(c.Amount); err != nil {
		errs = append(errs, err)
	}

	if c.Asset == "" {
		errs = append(errs, ErrMissingAsset)
	}

	if c.Recipient == "" {
		errs = append(errs, ErrMissingRecipient)
	}

	switch {
	case c.Nonce == "":
		errs = append(errs, ErrMissingNonce)
	case len(c.Nonce) < MinNonceLength:
		warnings = append(warnings, fmt.Sprintf("nonce is shorter than %d characters", MinNonceLength))
	}

	if !slices.Contains(KnownChains, c.Chain) {
		warnings = append(warnings, fmt.Sprintf("unrecognized chain %q", c.Chain))
	}

	if c.Callback != "" {
		u, err := url.Parse(c.Callback)
		if err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadCallback, c.Callback))
		}
	}

	if len(errs) != 0 {
		return warnings, errors.Join(errs...)
	}

	return warnings, nil
}
