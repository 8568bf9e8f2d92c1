package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorTransport  ErrorCode = "TRANSPORT_FAILURE"
	ErrorProcessing ErrorCode = "PROCESSING_FAILURE"
	ErrorNoReply    ErrorCode = "NO_REPLY"
	ErrorFlagged    ErrorCode = "FLAGGED"
)

// Outcomes recorded per event in logs, metrics and the exchange log.
const (
	OutcomeAnswered          = "answered"
	OutcomeTransportFailure  = "transport_failure"
	OutcomeProcessingFailure = "processing_failure"
	OutcomeNoReply           = "no_reply"
	OutcomeFlagged           = "flagged"
	OutcomeDuplicate         = "duplicate"
	OutcomeSkipped           = "skipped"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// upstreamStatusCode extracts the HTTP status of a failed upstream call, if
// the error chain carries one.
func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// outcomeFor maps an error returned by Respond to its outcome label.
func outcomeFor(err error) string {
	var ue *Error
	if !errors.As(err, &ue) {
		return OutcomeTransportFailure
	}
	switch ue.Code {
	case ErrorProcessing:
		return OutcomeProcessingFailure
	case ErrorNoReply:
		return OutcomeNoReply
	case ErrorFlagged:
		return OutcomeFlagged
	default:
		return OutcomeTransportFailure
	}
}
