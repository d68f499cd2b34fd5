// Package channel defines the out-of-band human approval capability and its
// concrete notification-channel variants.
//
// A channel can do three things: post an approval request and hand back an
// opaque message id, block until a human verdict (or a deadline) is
// observable for that id, and send fire-and-forget audit notifications.
// The broker never assumes anything about the id beyond "the same channel
// understands it later".
package channel

import (
	"context"
	"errors"
	"time"
)

// Verdict is the outcome of a human approval poll.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
	VerdictTimeout  Verdict = "timeout"
)

// ErrNotConfigured is returned by the Disabled channel for operations that
// require a real notification backend.
var ErrNotConfigured = errors.New("channel: no approval channel configured")

// Channel is the capability surface of an approval channel.
type Channel interface {
	// SendApprovalRequest posts a human-readable summary and returns a
	// handle that WaitForResponse understands.
	SendApprovalRequest(ctx context.Context, summary string) (messageID string, err error)

	// WaitForResponse blocks until a verdict is observable for messageID or
	// the timeout elapses.  The deadline case returns VerdictTimeout with a
	// nil error; errors are reserved for channel failures.
	WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (Verdict, error)

	// SendNotification posts a fire-and-forget audit event.  Failures
	// surface as errors; callers decide whether they are fatal.
	SendNotification(ctx context.Context, text string) error
}

// Disabled is the channel used when no notification backend is configured.
// Approval requests fail loudly; audit notifications are silently dropped.
type Disabled struct{}

func (Disabled) SendApprovalRequest(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) WaitForResponse(context.Context, string, time.Duration) (Verdict, error) {
	return VerdictTimeout, ErrNotConfigured
}

func (Disabled) SendNotification(context.Context, string) error {
	return nil
}
