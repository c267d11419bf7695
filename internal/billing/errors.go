package billing

import (
	"errors"
	"fmt"
)

// Kind classifies billing errors so the HTTP layer can choose a status code.
type Kind string

const (
	KindInternal   Kind = "internal"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindUpstream   Kind = "upstream"
	KindSignature  Kind = "signature"
)

var (
	ErrMissingIdentity      = errors.New("missing authenticated user")
	ErrMissingPriceID       = errors.New("price ID is required")
	ErrUnknownPriceID       = errors.New("price ID is not offered")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrMalformedEvent       = errors.New("malformed webhook event")
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	ErrUnresolvedTier       = errors.New("subscription tier could not be resolved")
)

// Error carries the failing operation and its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func upstream(op string, err error) error   { return newError(KindUpstream, op, err) }
func internal(op string, err error) error   { return newError(KindInternal, op, err) }
func validation(op string, err error) error { return newError(KindValidation, op, err) }
