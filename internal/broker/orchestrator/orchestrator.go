// Package orchestrator runs one end-to-end access attempt: create the
// request, obtain a grant, inject, and narrate the whole thing to the
// audit trail.  It is the only layer that rewrites component errors into
// operator-facing messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twokc/2kc/internal/broker/audit"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/service"
)

// ErrNotApproved is returned when the request did not end approved.
var ErrNotApproved = errors.New("access request was not approved")

// Params describes one access attempt.
type Params struct {
	SecretUUIDs     []string
	Reason          string
	TaskRef         string
	DurationSeconds int
	EnvVarName      string
	Command         []string
}

// Outcome carries the child's redacted output and the process exit code
// to forward.  A signaled child (no exit code) maps to 1.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Orchestrator drives the facade and the audit trail.
type Orchestrator struct {
	facade service.Facade
	trail  *audit.Trail
	logger *slog.Logger
}

// New creates an orchestrator.  A nil logger discards log output.
func New(facade service.Facade, trail *audit.Trail, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{facade: facade, trail: trail, logger: logger}
}

// Run performs the access attempt.  Audit events are emitted in a fixed
// order: request created, approval verdict, secret injected (before the
// child runs, metadata only), grant used (after, regardless of outcome).
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Outcome, error) {
	req, err := o.facade.CreateRequest(ctx, p.SecretUUIDs, p.Reason, p.TaskRef, p.DurationSeconds)
	if err != nil {
		return nil, rewrite(err)
	}
	o.trail.Emit(ctx, req.ID, audit.EventRequestCreated,
		fmt.Sprintf("%d secret(s), reason %q, task %q, duration %ds",
			len(req.SecretUUIDs), req.Reason, req.TaskRef, req.DurationSeconds))

	valid, err := o.facade.ValidateGrant(ctx, req.ID)
	verdict := "approved"
	if err != nil || !valid {
		verdict = "denied"
	}
	o.trail.Emit(ctx, req.ID, audit.EventApproval, verdict)
	if err != nil {
		return nil, rewrite(err)
	}
	if !valid {
		return nil, ErrNotApproved
	}

	// Metadata only. The secret value must never reach the audit trail.
	o.trail.Emit(ctx, req.ID, audit.EventSecretInjected,
		fmt.Sprintf("env %q, command %q", p.EnvVarName, strings.Join(p.Command, " ")))

	res, injErr := o.facade.Inject(ctx, req.ID, p.EnvVarName, p.Command)

	usedDetails := "injection failed"
	if injErr == nil {
		usedDetails = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	o.trail.Emit(ctx, req.ID, audit.EventGrantUsed, usedDetails)

	if injErr != nil {
		return nil, rewrite(injErr)
	}

	exitCode := res.ExitCode
	if exitCode < 0 {
		// Signaled children have no exit code; forward failure.
		exitCode = 1
	}
	return &Outcome{ExitCode: exitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// rewrite maps component errors onto operator-facing messages.  Sentinel
// checks cover standalone mode; substring checks cover errors that
// crossed the HTTP boundary as plain text.
func rewrite(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, secrets.ErrNotFound) || strings.Contains(msg, "not found"):
		return fmt.Errorf("Secret UUID not found: %w", err)
	case errors.Is(err, inject.ErrGrantNotValid) || strings.Contains(msg, "grant is not valid"):
		return fmt.Errorf("Grant expired: %w", err)
	default:
		return err
	}
}
