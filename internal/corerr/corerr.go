// Package corerr defines the closed machine-code error taxonomy shared by
// every component of the session authority core. Every fallible operation
// returns a *CoreError (or wraps one) instead of an ad hoc string, so
// callers can switch on Code without string matching.
package corerr

import "fmt"

// Code is one of the machine codes a caller can safely switch on.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodePolicyDenied         Code = "POLICY_DENIED"
	CodeEmergencyLockdown    Code = "EMERGENCY_LOCKDOWN"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeOnchainInvalid       Code = "ONCHAIN_INVALID"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeTransportTimeout     Code = "TRANSPORT_TIMEOUT"
	CodeTransportError       Code = "TRANSPORT_ERROR"
	CodeSignerAuthError      Code = "SIGNER_AUTH_ERROR"
	CodeSignerPolicyDenied   Code = "SIGNER_POLICY_DENIED"
	CodeSignerReplayNonce    Code = "SIGNER_REPLAY_NONCE"
	CodeSignerMalformedResp  Code = "SIGNER_MALFORMED_RESPONSE"
	CodeSignerValidityExpired Code = "SIGNER_VALIDITY_EXPIRED"
	CodeSignerPubkeyChanged  Code = "SIGNER_PUBKEY_CHANGED"
	CodeRPCError             Code = "RPC_ERROR"
	CodeConfigInsecureTransport Code = "CONFIG_INSECURE_TRANSPORT"
	CodeConfigMTLSRequired   Code = "CONFIG_MTLS_REQUIRED"
	CodeConfigMissingProxyURL Code = "CONFIG_MISSING_PROXY_URL"
	CodeUnavailable          Code = "UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
)

// Retryable reports whether errors of this code are safe to retry, per
// transport/timeout/5xx are retryable, 4xx policy/auth failures are not.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransportTimeout, CodeTransportError, CodeRPCError, CodeUnavailable:
		return true
	default:
		return false
	}
}

// CoreError is the concrete error type returned across component
// boundaries. Message is a single user-facing sentence describing what was
// blocked; Hint is an optional next-step suggestion.
type CoreError struct {
	Code    Code
	Message string
	Hint    string
	Err     error // underlying cause, if any
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New constructs a CoreError with no underlying cause.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap constructs a CoreError around an underlying cause.
func Wrap(code Code, message string, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// WithHint returns a copy of e with Hint set.
func (e *CoreError) WithHint(hint string) *CoreError {
	cp := *e
	cp.Hint = hint
	return &cp
}
