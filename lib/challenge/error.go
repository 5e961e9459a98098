package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidToken  = errors.New("challenge: token is invalid")
	ErrUnknownNonce  = errors.New("challenge: nonce was not issued here")
	ErrInvalidFormat = errors.New("challenge: field has invalid format")
	ErrNoSigningKey  = errors.New("challenge: no signing key configured")
)

// NewError wraps privateReason with a message that is safe to show to API
// clients. The status code defaults to 400.
func NewError(verb, publicReason string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    http.StatusBadRequest,
	}
}

type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %v", e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}
