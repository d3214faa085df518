// Package errs defines the engine's error taxonomy. Components wrap one of
// the sentinels below with context so callers can classify failures with
// errors.Is regardless of how many layers the error passed through.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrConfig              = errors.New("configuration error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidQuote        = errors.New("invalid quote")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrTransaction         = errors.New("transaction failed")
	ErrNetwork             = errors.New("network error")
	ErrRPC                 = errors.New("rpc error")
	ErrDatabase            = errors.New("database error")
	ErrPoolNotFound        = errors.New("pool not found")
	ErrRateLimit           = errors.New("rate limit exceeded")
	ErrInternal            = errors.New("internal error")
)

// kinds maps each sentinel to the label used for metrics and logs.
var kinds = []struct {
	err   error
	label string
}{
	{ErrValidation, "validation"},
	{ErrConfig, "config"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInvalidQuote, "invalid_quote"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrTransaction, "transaction"},
	{ErrNetwork, "network"},
	{ErrRPC, "rpc"},
	{ErrDatabase, "database"},
	{ErrPoolNotFound, "pool_not_found"},
	{ErrRateLimit, "rate_limit"},
	{ErrInternal, "internal"},
}

// Wrap attaches a formatted detail to a sentinel.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// WrapErr attaches a cause to a sentinel so both remain matchable.
func WrapErr(kind error, cause error, detail string) error {
	if cause == nil {
		return Wrap(kind, "%s", detail)
	}
	return fmt.Errorf("%w: %s: %w", kind, detail, cause)
}

func Validation(format string, args ...any) error {
	return Wrap(ErrValidation, format, args...)
}

func InsufficientBalance(required, available string) error {
	return Wrap(ErrInsufficientBalance, "required %s SOL, available %s SOL", required, available)
}

func InvalidQuote(format string, args ...any) error {
	return Wrap(ErrInvalidQuote, format, args...)
}

func Transaction(format string, args ...any) error {
	return Wrap(ErrTransaction, format, args...)
}

// Kind returns a stable label for err, or "unknown" when it wraps none of
// the sentinels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "unknown"
}
