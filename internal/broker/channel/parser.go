package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotADecision is returned by ParseDecision for messages that are not
// approve/deny replies at all (normal room chatter).
var ErrNotADecision = errors.New("channel: not an approval decision")

// Decision holds the result of parsing an approve or deny reply.
type Decision struct {
	// Approve is true for "approve", false for "deny".
	Approve bool
	// ApprovalID is the short id of the approval being acted on.
	ApprovalID string
	// Reason is the optional free-text reason.
	Reason string
}

// ParseDecision parses a plain room message into an approval decision.
//
// Accepted formats (case-insensitive verb):
//
//	approve <id>
//	approve <id> <reason text>
//	deny <id> reason="<text>"
//	deny <id> <reason text>
//
// Returns ErrNotADecision when the message does not start with "approve" or
// "deny".
func ParseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)

	var approve bool
	switch {
	case lower == "approve" || strings.HasPrefix(lower, "approve "):
		approve = true
	case lower == "deny" || strings.HasPrefix(lower, "deny "):
		approve = false
	default:
		return nil, ErrNotADecision
	}

	verb := "deny"
	if approve {
		verb = "approve"
	}
	rest := strings.TrimSpace(text[len(verb):])
	if rest == "" {
		return nil, fmt.Errorf("channel: usage: %s <approval-id> [reason]", verb)
	}

	parts := strings.Fields(rest)
	d := &Decision{Approve: approve, ApprovalID: parts[0]}
	if len(parts) > 1 {
		d.Reason = parseReason(strings.Join(parts[1:], " "))
	}
	return d, nil
}

// parseReason unwraps an optional reason="..." form; plain text passes
// through unchanged.
func parseReason(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `reason="`) && strings.HasSuffix(s, `"`) && len(s) > len(`reason=""`)-1 {
		return strings.TrimSuffix(strings.TrimPrefix(s, `reason="`), `"`)
	}
	if strings.HasPrefix(s, "reason=") {
		return strings.TrimPrefix(s, "reason=")
	}
	return s
}
