package errors

// ErrorCode represents a machine-readable error identifier for the swap
// protocol's error kinds (see spec §7).
type ErrorCode string

// Protocol/validation error kinds. These reject an incoming envelope before
// it touches any trade state and are never retried.
const (
	ErrCodeInvalidEnvelope    ErrorCode = "invalid_envelope"
	ErrCodeBadSignature       ErrorCode = "bad_signature"
	ErrCodeTradeIDMismatch    ErrorCode = "trade_id_mismatch"
	ErrCodeWrongSigner        ErrorCode = "wrong_signer"
	ErrCodeStateNotAllowed    ErrorCode = "state_not_allowed"
	ErrCodeCrossFieldMismatch ErrorCode = "cross_field_mismatch"
)

// Verification failure. Terminal for the trade but not a malformed-input
// error: the envelope was well-formed and properly signed, but the pre-pay
// cross-check rejected it.
const (
	ErrCodePrePayVerificationFailed ErrorCode = "pre_pay_verification_failed"
)

// External-collaborator errors. Transient by nature; retried with bounded
// attempts and backoff.
const (
	ErrCodeTransportError ErrorCode = "transport_error"
	ErrCodeRPCError       ErrorCode = "rpc_error"
)

// Control-flow errors raised by context cancellation/deadline rather than by
// a remote party or external service.
const (
	ErrCodeTimeout  ErrorCode = "timeout"
	ErrCodeCanceled ErrorCode = "canceled"
)

// IsRetryable reports whether an error of this kind should be retried with
// backoff rather than surfaced as a terminal trade failure. Only the two
// external-collaborator kinds are retryable; every validation, signature,
// and state-machine rejection is permanent.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeTransportError, ErrCodeRPCError:
		return true
	default:
		return false
	}
}

// IsHostileInput reports whether this error kind means an incoming envelope
// must be silently dropped rather than surfaced as a counterparty-visible
// rejection. These are the checks that run before any state is committed:
// schema shape, trade-id binding, signature, allowed-state, signer role, and
// cross-field consistency.
func (e ErrorCode) IsHostileInput() bool {
	switch e {
	case ErrCodeInvalidEnvelope,
		ErrCodeBadSignature,
		ErrCodeTradeIDMismatch,
		ErrCodeWrongSigner,
		ErrCodeStateNotAllowed,
		ErrCodeCrossFieldMismatch:
		return true
	default:
		return false
	}
}

// TypedError pairs a stable ErrorCode with a human-readable message and an
// optional wrapped cause, so callers can branch on Code while still getting
// a useful Error() string and an %w-compatible Unwrap.
type TypedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *TypedError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TypedError) Unwrap() error {
	return e.Err
}

// New creates a TypedError with no wrapped cause.
func New(code ErrorCode, message string) *TypedError {
	return &TypedError{Code: code, Message: message}
}

// Wrap creates a TypedError around an existing error.
func Wrap(code ErrorCode, message string, err error) *TypedError {
	return &TypedError{Code: code, Message: message, Err: err}
}

// CodeOf walks err's Unwrap chain looking for a *TypedError and returns its
// Code, or "" if none is found.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if te, ok := err.(*TypedError); ok {
			return te.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
