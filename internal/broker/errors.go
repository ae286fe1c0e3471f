package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureClass drives the executor's retry table. Each broker error maps to
// exactly one class.
type FailureClass int

const (
	// ClassNetwork covers timeouts and transport failures; retried with backoff
	ClassNetwork FailureClass = iota
	// ClassRejected covers margin, price and spread rejects; never retried
	ClassRejected
	// ClassMarketClosed is a reject for a closed venue; never retried
	ClassMarketClosed
	// ClassDuplicate means the broker already holds this client token; treated as success
	ClassDuplicate
	// ClassConnectionLost means the session dropped mid-submit; reconcile then retry once
	ClassConnectionLost
)

// String returns the class name used in decision nodes
func (c FailureClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassRejected:
		return "rejected"
	case ClassMarketClosed:
		return "market_closed"
	case ClassDuplicate:
		return "duplicate_ticket"
	case ClassConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Error is a classified broker failure
type Error struct {
	Class   FailureClass
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("broker %s: %s", e.Class, e.Message)
}

// Unwrap exposes the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified broker error
func NewError(class FailureClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

// WrapError classifies an underlying failure
func WrapError(class FailureClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// Classify maps any error from a broker call to its failure class.
// Unclassified errors are treated as network failures, the only class safe
// to retry blindly.
func Classify(err error) FailureClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "market closed") || strings.Contains(msg, "market is closed"):
		return ClassMarketClosed
	case strings.Contains(msg, "duplicate"):
		return ClassDuplicate
	case strings.Contains(msg, "insufficient") ||
		strings.Contains(msg, "margin") ||
		strings.Contains(msg, "invalid price") ||
		strings.Contains(msg, "rejected"):
		return ClassRejected
	case strings.Contains(msg, "connection lost") || strings.Contains(msg, "connection reset"):
		return ClassConnectionLost
	default:
		return ClassNetwork
	}
}

// ErrNotConnected is returned when an operation needs a live session
var ErrNotConnected = NewError(ClassConnectionLost, "session not connected")

// ErrPositionNotFound is returned when a ticket is unknown to the broker
var ErrPositionNotFound = errors.New("broker: position not found")

// ErrOrderNotFound is returned when no order matches a client token
var ErrOrderNotFound = errors.New("broker: order not found")
