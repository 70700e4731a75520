package mailer

import (
	"context"
	"errors"
	"net"
	"strings"

	"cadence/models"
)

// Message is a fully rendered email ready for transport. MessageID is
// minted by the caller before the send so tracking stays idempotent.
type Message struct {
	To        string
	Subject   string
	HTMLBody  string
	MessageID string
}

// SendResult reports the provider's view of a completed send.
type SendResult struct {
	MessageID string
	Status    string // sent | failed
}

// Sender is the transport boundary. Implementations must be safe to call
// at most once per tracking record; the engine never retries a message id.
type Sender interface {
	Send(ctx context.Context, msg Message, account *models.EmailAccount) (SendResult, error)
}

// SendError carries the dispatcher's permanent/transient classification.
type SendError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanentf builds a permanent send error.
func Permanentf(reason string, err error) *SendError {
	return &SendError{Reason: reason, Permanent: true, Err: err}
}

// Transientf builds a retryable send error.
func Transientf(reason string, err error) *SendError {
	return &SendError{Reason: reason, Permanent: false, Err: err}
}

// Classify decides whether a transport error is worth retrying. Timeouts
// and connection drops are transient; rejections of the recipient or the
// credentials are not.
func Classify(err error) *SendError {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transientf("send timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transientf("send timed out", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "535"), strings.Contains(msg, "authentication"):
		return Permanentf("authentication failed", err)
	case strings.Contains(msg, "550"), strings.Contains(msg, "551"),
		strings.Contains(msg, "553"), strings.Contains(msg, "recipient"):
		return Permanentf("recipient rejected", err)
	case strings.Contains(msg, "552"), strings.Contains(msg, "554"):
		return Permanentf("rejected by provider", err)
	case strings.Contains(msg, "421"), strings.Contains(msg, "450"),
		strings.Contains(msg, "451"), strings.Contains(msg, "452"),
		strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return Transientf("provider throttled", err)
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "eof"):
		return Transientf("connection failed", err)
	}
	return Transientf("send failed", err)
}
