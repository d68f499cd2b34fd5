// Package service exposes the broker's capability surface behind one
// interface with two realizations: in-process (standalone mode) and an
// HTTP client talking to a running broker server (client mode).  The CLI
// and the HTTP server both program against the interface, so neither
// cares which side of the wire it is on.
package service

import (
	"context"

	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
)

// Health is the broker liveness report.
type Health struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
	PID    int     `json:"pid"`
}

// Facade is the uniform operation surface of the broker.
type Facade interface {
	Health(ctx context.Context) (*Health, error)

	ListSecrets(ctx context.Context) ([]secrets.Metadata, error)
	AddSecret(ctx context.Context, ref, value string, tags []string) (uuid string, err error)
	RemoveSecret(ctx context.Context, uuid string) error
	GetSecretMetadata(ctx context.Context, uuid string) (secrets.Metadata, error)
	ResolveSecret(ctx context.Context, refOrUUID string) (secrets.Metadata, error)

	CreateRequest(ctx context.Context, secretUUIDs []string, reason, taskRef string, durationSeconds int) (*request.Request, error)

	// ValidateGrant reports whether the request currently holds a valid
	// grant.  In standalone mode this drives the approval workflow and
	// grant creation under the covers; in client mode it is one server
	// call that does the same remotely.
	ValidateGrant(ctx context.Context, requestID string) (bool, error)

	// Inject runs command with the request's granted secrets injected.
	Inject(ctx context.Context, requestID, envVarName string, command []string) (*inject.Result, error)
}
