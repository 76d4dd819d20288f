package dispatch

import (
	"context"
	"errors"
	"unicode/utf8"
)

var (
	// ErrCredentialsMissing means no password is stored for the sending
	// account. It halts a batch before any attempt and is retried later.
	ErrCredentialsMissing = errors.New("credentials missing for sending account")

	ErrTransportAuth    = errors.New("transport authentication failed")
	ErrTransportTimeout = errors.New("transport timed out")
	ErrTransportOther   = errors.New("transport failed")

	// ErrSendLimitReached is returned for a send to a recipient that is
	// already at its maximum send count.
	ErrSendLimitReached = errors.New("recipient reached its send limit")
)

// maxReasonRunes bounds the failure reason kept in history
const maxReasonRunes = 200

// classify makes sure a transport error matches one of the transport
// sentinels. A deadline hit on the send context is always a timeout.
func classify(sendCtx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTransportAuth),
		errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportOther),
		errors.Is(err, ErrCredentialsMissing):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		return &transportError{kind: ErrTransportTimeout, err: err}
	default:
		return &transportError{kind: ErrTransportOther, err: err}
	}
}

type transportError struct {
	kind error
	err  error
}

func (e *transportError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *transportError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// ErrorKind returns a short label for a send error, used for metrics
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials_missing"
	case errors.Is(err, ErrTransportAuth):
		return "auth"
	case errors.Is(err, ErrTransportTimeout):
		return "timeout"
	default:
		return "other"
	}
}

// truncateReason shortens err's text to maxReasonRunes
func truncateReason(err error) string {
	reason := err.Error()
	if utf8.RuneCountInString(reason) <= maxReasonRunes {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:maxReasonRunes-3]) + "..."
}
