package retry

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed external call.
type Kind int

const (
	// KindPermanent failures are not retried inline; the next scheduled
	// pass starts over.
	KindPermanent Kind = iota
	// KindAuthExpired means the credential needs a refresh.
	KindAuthExpired
	// KindTransient covers network errors, rate limits and 5xx responses.
	KindTransient
	// KindNotFound means the addressed resource does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "permanent"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

func AuthExpired(err error) error { return wrap(KindAuthExpired, err) }
func Transient(err error) error   { return wrap(KindTransient, err) }
func NotFound(err error) error    { return wrap(KindNotFound, err) }
func Permanent(err error) error   { return wrap(KindPermanent, err) }

// KindOf returns the Kind attached to err. Unclassified errors and context
// cancellation are permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}
