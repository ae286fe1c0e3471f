package signal

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every stage maps its own failures to
// exactly one kind; anything unclassified surfaces as KindInternal.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDuplicate
	KindGateBlocked
	KindRiskRejected
	KindTransient
	KindBrokerRejected
	KindEmergency
)

// String returns the kind's stable name
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindGateBlocked:
		return "gate_blocked"
	case KindRiskRejected:
		return "risk_rejected"
	case KindTransient:
		return "transient"
	case KindBrokerRejected:
		return "broker_rejected"
	case KindEmergency:
		return "emergency"
	case KindInternal:
		return "internal"
	default:
		return "internal"
	}
}

// Stable machine-readable codes carried to producers alongside the kind
const (
	CodeMissingField     = "missing_field"
	CodeFieldTooLong     = "field_too_long"
	CodeBadDirection     = "bad_direction"
	CodeBadConfidence    = "bad_confidence"
	CodeBadPrice         = "bad_price"
	CodeBadStops         = "bad_stops"
	CodeUnknownSymbol    = "unknown_symbol"
	CodeLowConfidence    = "low_confidence"
	CodeDuplicateSignal  = "duplicate_signal"
	CodeRateLimited      = "rate_limited"
	CodeEmergencyActive  = "emergency_active"
	CodeProfileUnknown   = "profile_unknown"
	CodeProfileDisabled  = "profile_disabled"
	CodeBrokerUnhealthy  = "broker_unhealthy"
	CodeMaxPositions     = "max_positions"
	CodeRiskBudget       = "risk_budget"
	CodeCVaRCap          = "cvar_cap"
	CodeCorrelation      = "correlation"
	CodeDrawdownHalted   = "drawdown_halted"
	CodeVolumeTooSmall   = "volume_too_small"
	CodeBrokerRejected   = "broker_rejected"
	CodeNetworkFailure   = "network_failure"
	CodeConnectionLost   = "connection_lost"
	CodeRetryExhausted   = "retry_exhausted"
	CodeTimeout          = "timeout"
	CodeStoreUnavailable = "store_unavailable"
	CodeCanceled         = "canceled"
	CodeInternal         = "internal_error"
)

// Error is the typed failure every stage returns. It carries the taxonomy
// kind, a stable code, a human message, and the chain id when one exists.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	ChainID string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError creates a typed error around a cause
func WrapError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// WithChain attaches the chain id for correlation and returns the error
func (e *Error) WithChain(chainID string) *Error {
	e.ChainID = chainID
	return e
}

// KindOf extracts the taxonomy kind from any error. Unclassified errors are
// internal by definition.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable machine code from any error
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// AsError converts any error into a typed one, passing through errors that
// already carry a kind
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error(), Err: err}
}
