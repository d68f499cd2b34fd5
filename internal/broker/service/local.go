package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/twokc/2kc/internal/broker/grant"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/workflow"
)

// Local is the in-process realization of the facade.
type Local struct {
	store     *secrets.Store
	requests  *request.Log
	engine    *workflow.Engine
	grants    *grant.Manager
	injector  *inject.Injector
	startedAt time.Time
}

// NewLocal wires the components into a facade.
func NewLocal(store *secrets.Store, requests *request.Log, engine *workflow.Engine, grants *grant.Manager, injector *inject.Injector) *Local {
	return &Local{
		store:     store,
		requests:  requests,
		engine:    engine,
		grants:    grants,
		injector:  injector,
		startedAt: time.Now(),
	}
}

func (l *Local) Health(context.Context) (*Health, error) {
	return &Health{
		Status: "ok",
		Uptime: time.Since(l.startedAt).Seconds(),
		PID:    os.Getpid(),
	}, nil
}

func (l *Local) ListSecrets(ctx context.Context) ([]secrets.Metadata, error) {
	return l.store.List(ctx)
}

func (l *Local) AddSecret(ctx context.Context, ref, value string, tags []string) (string, error) {
	return l.store.Add(ctx, ref, value, tags)
}

func (l *Local) RemoveSecret(ctx context.Context, uuid string) error {
	return l.store.Remove(ctx, uuid)
}

func (l *Local) GetSecretMetadata(ctx context.Context, uuid string) (secrets.Metadata, error) {
	return l.store.GetMetadata(ctx, uuid)
}

func (l *Local) ResolveSecret(ctx context.Context, refOrUUID string) (secrets.Metadata, error) {
	return l.store.Resolve(ctx, refOrUUID)
}

func (l *Local) CreateRequest(ctx context.Context, secretUUIDs []string, reason, taskRef string, durationSeconds int) (*request.Request, error) {
	req, err := request.New(secretUUIDs, reason, taskRef, durationSeconds)
	if err != nil {
		return nil, err
	}
	l.requests.Append(req)
	return req, nil
}

// ValidateGrant drives a pending request through the approval workflow,
// creates the grant on approval, and reports whether the request holds a
// currently valid grant.  Repeated calls are cheap once a grant exists.
func (l *Local) ValidateGrant(ctx context.Context, requestID string) (bool, error) {
	if g, ok := l.grants.FindByRequest(requestID); ok {
		return l.grants.Validate(g.ID), nil
	}

	req := l.requests.Get(requestID)
	if req == nil {
		return false, fmt.Errorf("request %q not found", requestID)
	}

	if req.Status == request.StatusPending {
		if _, err := l.engine.ProcessRequest(ctx, req); err != nil {
			return false, err
		}
	}
	if req.Status != request.StatusApproved {
		return false, nil
	}

	g, err := l.grants.Create(req)
	if err != nil {
		return false, err
	}
	return l.grants.Validate(g.ID), nil
}

func (l *Local) Inject(ctx context.Context, requestID, envVarName string, command []string) (*inject.Result, error) {
	g, ok := l.grants.FindByRequest(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: no grant for request %s", inject.ErrGrantNotFound, requestID)
	}
	return l.injector.Inject(ctx, g.ID, command, inject.Options{EnvVarName: envVarName})
}
