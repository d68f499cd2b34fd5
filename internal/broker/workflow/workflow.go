// Package workflow drives an access request from pending to a terminal
// status.  It resolves the approval policy from the secrets' tags, involves
// the approval channel only when the policy demands it, and records the
// outcome on the request itself.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twokc/2kc/internal/broker/channel"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
)

// MetadataSource is the slice of the secret store the engine needs.
type MetadataSource interface {
	GetMetadata(ctx context.Context, uuid string) (secrets.Metadata, error)
}

// Policy is the tag-based approval policy.
type Policy struct {
	// RequireApproval maps a tag to an explicit decision.  True forces
	// approval for any secret carrying the tag; false opts the secret out
	// even when the default would require approval.
	RequireApproval map[string]bool

	// DefaultRequireApproval applies to secrets with no listed tag.
	DefaultRequireApproval bool

	// ApprovalTimeout bounds the wait for a human verdict.
	ApprovalTimeout time.Duration
}

// Engine resolves policy and, when needed, asks a human.
type Engine struct {
	store   MetadataSource
	channel channel.Channel
	policy  Policy
	logger  *slog.Logger
}

// New creates an engine.  A nil logger discards log output.
func New(store MetadataSource, ch channel.Channel, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, channel: ch, policy: policy, logger: logger}
}

// ProcessRequest takes a pending request to a terminal status and returns
// it.  The status is also written back onto the request.  Any metadata or
// channel failure marks the request denied and is returned to the caller.
func (e *Engine) ProcessRequest(ctx context.Context, req *request.Request) (request.Status, error) {
	metas := make([]secrets.Metadata, 0, len(req.SecretUUIDs))
	for _, id := range req.SecretUUIDs {
		meta, err := e.store.GetMetadata(ctx, id)
		if err != nil {
			req.Status = request.StatusDenied
			return request.StatusDenied, fmt.Errorf("workflow: fetch metadata for %s: %w", id, err)
		}
		metas = append(metas, meta)
	}

	if !e.needsApproval(metas) {
		e.logger.Debug("request auto-approved by policy", "request_id", req.ID)
		req.Status = request.StatusApproved
		return request.StatusApproved, nil
	}

	summary := buildSummary(req, metas)
	msgID, err := e.channel.SendApprovalRequest(ctx, summary)
	if err != nil {
		req.Status = request.StatusDenied
		return request.StatusDenied, fmt.Errorf("workflow: send approval request: %w", err)
	}
	e.logger.Info("approval requested", "request_id", req.ID, "message_id", msgID)

	verdict, err := e.channel.WaitForResponse(ctx, msgID, e.policy.ApprovalTimeout)
	if err != nil {
		req.Status = request.StatusDenied
		return request.StatusDenied, fmt.Errorf("workflow: wait for approval: %w", err)
	}

	status := statusForVerdict(verdict)
	req.Status = status
	e.logger.Info("approval verdict", "request_id", req.ID, "verdict", string(verdict))
	return status, nil
}

// needsApproval decides per secret, then ORs across secrets.  For one
// secret the first tag with an explicit policy entry wins; true forces
// approval, false opts out.  Secrets with no listed tag fall back to the
// default.  An explicit false on one secret never cancels another secret's
// true.
func (e *Engine) needsApproval(metas []secrets.Metadata) bool {
	for _, meta := range metas {
		if e.secretNeedsApproval(meta.Tags) {
			return true
		}
	}
	return false
}

func (e *Engine) secretNeedsApproval(tags []string) bool {
	for _, tag := range tags {
		if explicit, ok := e.policy.RequireApproval[tag]; ok {
			return explicit
		}
	}
	return e.policy.DefaultRequireApproval
}

// buildSummary renders the request for a human: who wants what, why, and
// for how long.  Every uuid and slug is included so the approver can audit
// the scope at a glance.
func buildSummary(req *request.Request, metas []secrets.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Secret access request %s\n", req.ID)
	fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	fmt.Fprintf(&b, "Task: %s\n", req.TaskRef)
	fmt.Fprintf(&b, "Duration: %ds\n", req.DurationSeconds)
	b.WriteString("Secrets:\n")
	for _, meta := range metas {
		fmt.Fprintf(&b, "  - %s (%s)\n", meta.Ref, meta.UUID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusForVerdict(v channel.Verdict) request.Status {
	switch v {
	case channel.VerdictApproved:
		return request.StatusApproved
	case channel.VerdictDenied:
		return request.StatusDenied
	default:
		return request.StatusTimeout
	}
}
