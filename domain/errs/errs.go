// Package errs defines the failure taxonomy shared by the book, the ledger
// and the service layer. Every rejected operation returns an *Error and
// leaves state untouched.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidParameter
	KindPriceOutOfRange
	KindInsufficientCollateral
	KindInsufficientAvailable
	KindNotFound
	KindNotOwner
	KindMarketNotActive
	KindInvalidBatchSize
	KindUnauthorized
	KindAlreadyExists
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindPriceOutOfRange:
		return "PriceOutOfRange"
	case KindInsufficientCollateral:
		return "InsufficientCollateral"
	case KindInsufficientAvailable:
		return "InsufficientAvailable"
	case KindNotFound:
		return "NotFound"
	case KindNotOwner:
		return "NotOwner"
	case KindMarketNotActive:
		return "MarketNotActive"
	case KindInvalidBatchSize:
		return "InvalidBatchSize"
	case KindUnauthorized:
		return "Unauthorized"
	case KindAlreadyExists:
		return "AlreadyExists"
	default:
		return "Unknown"
	}
}

// Error is a typed domain failure. Required and Available are populated for
// collateral shortfalls.
type Error struct {
	Kind      Kind
	Msg       string
	Required  int64
	Available int64
}

func (e *Error) Error() string {
	if e.Kind == KindInsufficientCollateral || e.Kind == KindInsufficientAvailable {
		return fmt.Sprintf("%s: required=%d available=%d", e.Kind, e.Required, e.Available)
	}
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidParameter       = &Error{Kind: KindInvalidParameter}
	ErrPriceOutOfRange        = &Error{Kind: KindPriceOutOfRange}
	ErrInsufficientCollateral = &Error{Kind: KindInsufficientCollateral}
	ErrInsufficientAvailable  = &Error{Kind: KindInsufficientAvailable}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrNotOwner               = &Error{Kind: KindNotOwner}
	ErrMarketNotActive        = &Error{Kind: KindMarketNotActive}
	ErrInvalidBatchSize       = &Error{Kind: KindInvalidBatchSize}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrAlreadyExists          = &Error{Kind: KindAlreadyExists}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error {
	return New(KindInvalidParameter, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InsufficientCollateral(required, available int64) *Error {
	return &Error{Kind: KindInsufficientCollateral, Required: required, Available: available}
}

func InsufficientAvailable(required, available int64) *Error {
	return &Error{Kind: KindInsufficientAvailable, Required: required, Available: available}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
