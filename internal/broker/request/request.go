// Package request defines the access-request value object and the in-memory
// request log.
//
// A request is an agent's attempt to access one or more secrets, carrying a
// free-text justification and a task reference.  Requests are created pending
// and mutated exactly once to a terminal status by the workflow engine.  They
// are never persisted.
package request

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput is returned by New for any field validation failure.  The
// wrapped message names the offending field.
var ErrInvalidInput = errors.New("request: invalid input")

// Duration bounds in seconds for a grant lifetime.
const (
	MinDurationSeconds     = 30
	MaxDurationSeconds     = 3600
	DefaultDurationSeconds = 300
)

// Status is the lifecycle state of an access request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
	StatusExpired  Status = "expired"
)

// Request is one access attempt over a set of secrets.
type Request struct {
	ID              string    `json:"id"`
	SecretUUIDs     []string  `json:"secretUuids"`
	Reason          string    `json:"reason"`
	TaskRef         string    `json:"taskRef"`
	DurationSeconds int       `json:"durationSeconds"`
	RequestedAt     time.Time `json:"requestedAt"`
	Status          Status    `json:"status"`
}

// New validates the fields and builds a pending request.  secretUUIDs are
// deduplicated preserving order; durationSeconds of 0 selects the default.
func New(secretUUIDs []string, reason, taskRef string, durationSeconds int) (*Request, error) {
	deduped := dedupe(secretUUIDs)
	if len(deduped) == 0 {
		return nil, fmt.Errorf("%w: secretUuids must be a non-empty list", ErrInvalidInput)
	}
	for _, id := range deduped {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: secretUuids must not contain empty entries", ErrInvalidInput)
		}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason must not be empty", ErrInvalidInput)
	}
	taskRef = strings.TrimSpace(taskRef)
	if taskRef == "" {
		return nil, fmt.Errorf("%w: taskRef must not be empty", ErrInvalidInput)
	}

	if durationSeconds == 0 {
		durationSeconds = DefaultDurationSeconds
	}
	if durationSeconds < MinDurationSeconds {
		return nil, fmt.Errorf("%w: durationSeconds %d is below the minimum of %d",
			ErrInvalidInput, durationSeconds, MinDurationSeconds)
	}
	if durationSeconds > MaxDurationSeconds {
		return nil, fmt.Errorf("%w: durationSeconds %d exceeds the maximum of %d",
			ErrInvalidInput, durationSeconds, MaxDurationSeconds)
	}

	return &Request{
		ID:              uuid.New().String(),
		SecretUUIDs:     deduped,
		Reason:          reason,
		TaskRef:         taskRef,
		DurationSeconds: durationSeconds,
		RequestedAt:     time.Now().UTC(),
		Status:          StatusPending,
	}, nil
}

// Duration returns the requested grant lifetime.
func (r *Request) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Log is an append-only in-memory request log with snapshot reads.
type Log struct {
	mu       sync.Mutex
	requests []*Request
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a request to the log.
func (l *Log) Append(r *Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r)
}

// All returns a snapshot copy of the log so callers cannot alias internal
// state.
func (l *Log) All() []*Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Request, len(l.requests))
	copy(out, l.requests)
	return out
}

// Get returns the request with the given id, or nil when absent.
func (l *Log) Get(id string) *Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// FilterBySecret returns every logged request whose secretUuids contain the
// given uuid.
func (l *Log) FilterBySecret(secretUUID string) []*Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Request
	for _, r := range l.requests {
		for _, id := range r.SecretUUIDs {
			if id == secretUUID {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
