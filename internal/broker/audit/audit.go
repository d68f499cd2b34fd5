// Package audit records what the broker did with whose secrets.
//
// Every noteworthy action produces one event line.  Events go to the
// notification channel (so the human who approves also sees usage) and to
// a local SQLite log.  Delivery problems are demoted to stderr warnings;
// an audit failure must never abort the flow it is describing.
package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Event names used by the request flow.
const (
	EventRequestCreated = "Request created"
	EventApproval       = "Approval"
	EventSecretInjected = "Secret injected"
	EventGrantUsed      = "Grant used"
)

// Notifier is the delivery side of the audit trail.  The approval
// channel's SendNotification satisfies it.
type Notifier interface {
	SendNotification(ctx context.Context, text string) error
}

// Entry is one recorded audit event.
type Entry struct {
	Timestamp time.Time
	RequestID string
	Event     string
	Details   string
}

// Line renders the entry in the canonical audit format.
func (e Entry) Line() string {
	return fmt.Sprintf("[2kc] [%s] [%s] %s: %s",
		e.Timestamp.UTC().Format(time.RFC3339), e.RequestID, e.Event, e.Details)
}

// Trail fans audit events out to the notifier and the persistent log.
type Trail struct {
	notifier Notifier
	log      *LogStore
	warnings io.Writer
}

// NewTrail creates a trail.  notifier and log may each be nil; warnings
// defaults to stderr.
func NewTrail(notifier Notifier, log *LogStore, warnings io.Writer) *Trail {
	if warnings == nil {
		warnings = os.Stderr
	}
	return &Trail{notifier: notifier, log: log, warnings: warnings}
}

// Emit records one event.  Failures on either sink are reported as
// "[audit] Warning:" lines and swallowed.
func (t *Trail) Emit(ctx context.Context, requestID, event, details string) {
	entry := Entry{
		Timestamp: time.Now(),
		RequestID: requestID,
		Event:     event,
		Details:   details,
	}
	line := entry.Line()

	if t.log != nil {
		if err := t.log.Append(ctx, entry); err != nil {
			fmt.Fprintf(t.warnings, "[audit] Warning: persist audit event: %v\n", err)
		}
	}
	if t.notifier != nil {
		if err := t.notifier.SendNotification(ctx, line); err != nil {
			fmt.Fprintf(t.warnings, "[audit] Warning: deliver audit event: %v\n", err)
		}
	}
}
