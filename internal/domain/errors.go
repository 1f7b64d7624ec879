package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEncodeFailure   = errors.New("payload encode failed")
	ErrSendRejected    = errors.New("channel rejected send")
	ErrCapacityTimeout = errors.New("timed out waiting for slot capacity")
	ErrSlotClosed      = errors.New("frame slot closed")
	ErrPipelineClosed  = errors.New("pipeline closed")
	ErrRequestLost     = errors.New("request lost in flight")
)

// EncodeError wraps a failure raised by a payload factory.
type EncodeError struct {
	Tag string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode frame for %q: %v", e.Tag, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	return []error{ErrEncodeFailure, e.Err}
}

// TransportError is a network or protocol failure, classified by reason.
// Every transport error is terminal for the channel that observed it.
type TransportError struct {
	Reason DisconnectReason
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewProtocolError reports a malformed or unexpected message.
func NewProtocolError(format string, args ...any) *TransportError {
	return &TransportError{Reason: ReasonProtocolError, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the disconnect reason carried by err, falling back to
// fallback when err is not a TransportError.
func ReasonOf(err error, fallback DisconnectReason) DisconnectReason {
	var te *TransportError
	if errors.As(err, &te) && te.Reason != "" {
		return te.Reason
	}
	return fallback
}

// LostRequestError reports a request that never received its result.
type LostRequestError struct {
	Request RequestRef
	Reason  DisconnectReason
}

func (e *LostRequestError) Error() string {
	return fmt.Sprintf("request %d for %q lost: %s", e.Request.RequestID, e.Request.Tag, e.Reason)
}

func (e *LostRequestError) Unwrap() error {
	return ErrRequestLost
}
