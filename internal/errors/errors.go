package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodePartialStrict Code = 15
	CodeBlocked       Code = 16
	CodeUnauthorized  Code = 17

	// Ledger and input validation. Terminal, never retried.
	CodeInvalidAmount       Code = 20
	CodeInsufficientShares  Code = 21
	CodeInsufficientBalance Code = 22
	CodeArrayLengthMismatch Code = 23
	CodeInvalidPrices       Code = 24
	CodeInvalidThresholds   Code = 25

	// Transfer gates. Terminal for the attempt.
	CodeInsufficientAPRImprovement Code = 30
	CodeCircuitBreakerActive       Code = 31
	CodeEmergencyModeActive        Code = 32
	CodeCooldownNotElapsed         Code = 33
	CodeAuthorizationExpired       Code = 34
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cErr, ok := As(err)
	return ok && cErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName returns the user-visible reason string for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodePartialStrict:
		return "partial_results"
	case CodeBlocked:
		return "command_blocked"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeInvalidAmount:
		return "invalid_amount"
	case CodeInsufficientShares:
		return "insufficient_shares"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeArrayLengthMismatch:
		return "array_length_mismatch"
	case CodeInvalidPrices:
		return "invalid_prices"
	case CodeInvalidThresholds:
		return "invalid_thresholds"
	case CodeInsufficientAPRImprovement:
		return "insufficient_apr_improvement"
	case CodeCircuitBreakerActive:
		return "circuit_breaker_active"
	case CodeEmergencyModeActive:
		return "emergency_mode_active"
	case CodeCooldownNotElapsed:
		return "cooldown_not_elapsed"
	case CodeAuthorizationExpired:
		return "authorization_expired"
	default:
		return "internal_error"
	}
}
