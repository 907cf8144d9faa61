package offer

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidTransition      = errors.New("invalid offer status transition")
	ErrUnauthorized           = errors.New("actor not permitted")
	ErrExpired                = errors.New("offer expired")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPreconditionFailed     = errors.New("precondition failed")
	ErrCrossListing           = errors.New("offers belong to different listings")
	ErrNotFound               = errors.New("not found")
)

// Kind is the stable error code exposed to API clients.
type Kind string

const (
	KindValidation             Kind = "VALIDATION_ERROR"
	KindInvalidTransition      Kind = "INVALID_TRANSITION"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindExpired                Kind = "EXPIRED"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindPreconditionFailed     Kind = "PRECONDITION_FAILED"
	KindCrossListing           Kind = "CROSS_LISTING"
	KindNotFound               Kind = "NOT_FOUND"
	KindInternal               Kind = "INTERNAL_ERROR"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrUnauthorized, KindUnauthorized},
	{ErrExpired, KindExpired},
	{ErrConcurrentModification, KindConcurrentModification},
	{ErrPreconditionFailed, KindPreconditionFailed},
	{ErrCrossListing, KindCrossListing},
	{ErrNotFound, KindNotFound},
}

// KindOf maps an error chain to its code. Unknown errors are internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransitionError reports an illegal status change.
func TransitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
