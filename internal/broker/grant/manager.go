// Package grant implements the time-bound, single-use access grant manager.
//
// A grant is the capability minted after a request is approved.  Its state
// machine is fresh → (used | revoked | expired): used and revoked are sinks
// reached by operations, expired is implicit once the wall clock passes
// expiresAt.  Grants live only in memory and are reaped on Cleanup.
package grant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twokc/2kc/internal/broker/request"
)

// Sentinel errors returned by Manager operations.
var (
	// ErrNotFound is returned when the grant id is unknown.
	ErrNotFound = errors.New("grant: not found")
	// ErrNotApproved is returned by Create for a request that is not in the
	// approved state.
	ErrNotApproved = errors.New("grant: request is not approved")
	// ErrNotValid is returned by MarkUsed when the grant is used, revoked,
	// or expired.
	ErrNotValid = errors.New("grant: grant is not valid")
	// ErrAlreadyRevoked is returned by Revoke on a second revocation.
	ErrAlreadyRevoked = errors.New("grant: already revoked")
)

// Grant is a single-use, time-bound capability over a set of secret ids.
type Grant struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"requestId"`
	SecretUUIDs []string   `json:"secretUuids"`
	GrantedAt   time.Time  `json:"grantedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Used        bool       `json:"used"`
	RevokedAt   *time.Time `json:"revokedAt"`
}

// validAt reports whether the grant is usable at the given instant.
func (g *Grant) validAt(now time.Time) bool {
	return !now.After(g.ExpiresAt) && !g.Used && g.RevokedAt == nil
}

// clone returns a deep copy so callers can never mutate manager state.
func (g *Grant) clone() *Grant {
	out := *g
	out.SecretUUIDs = append([]string(nil), g.SecretUUIDs...)
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// Manager owns all grants.  Every operation is a short critical section over
// the grant map; there are no cross-grant invariants.
type Manager struct {
	mu     sync.Mutex
	grants map[string]*Grant
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{grants: make(map[string]*Grant)}
}

// Create mints a grant for an approved request.  The request's secret ids
// are copied by value; the grant never aliases the request.
func (m *Manager) Create(req *request.Request) (*Grant, error) {
	if req.Status != request.StatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotApproved, req.ID, req.Status)
	}

	now := time.Now()
	g := &Grant{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		SecretUUIDs: append([]string(nil), req.SecretUUIDs...),
		GrantedAt:   now,
		ExpiresAt:   now.Add(req.Duration()),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = g
	return g.clone(), nil
}

// Validate reports whether the grant exists and is currently valid
// (not expired, not used, not revoked).
func (m *Manager) Validate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	return ok && g.validAt(time.Now())
}

// MarkUsed transitions the grant to its used sink.  Fails with ErrNotFound
// for unknown ids and ErrNotValid when the grant is no longer usable.
func (m *Manager) MarkUsed(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return fmt.Errorf("grant %q: %w", id, ErrNotFound)
	}
	if !g.validAt(time.Now()) {
		return fmt.Errorf("grant %q: %w", id, ErrNotValid)
	}
	g.Used = true
	return nil
}

// Revoke stamps revokedAt.  Revoking twice fails with ErrAlreadyRevoked;
// revoking a used or expired grant is permitted (the sink still records the
// operator's intent).
func (m *Manager) Revoke(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return fmt.Errorf("grant %q: %w", id, ErrNotFound)
	}
	if g.RevokedAt != nil {
		return fmt.Errorf("grant %q: %w", id, ErrAlreadyRevoked)
	}
	now := time.Now()
	g.RevokedAt = &now
	return nil
}

// Cleanup removes every grant whose expiry has passed.  Safe on an empty
// manager.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, g := range m.grants {
		if now.After(g.ExpiresAt) {
			delete(m.grants, id)
		}
	}
}

// Get returns a deep copy of the grant, or false when absent.
func (m *Manager) Get(id string) (*Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// Secrets returns a copy of the grant's secret ids, or false when absent.
func (m *Manager) Secrets(id string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), g.SecretUUIDs...), true
}

// FindByRequest returns a deep copy of the grant minted for the given
// request id, or false when none exists.
func (m *Manager) FindByRequest(requestID string) (*Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.RequestID == requestID {
			return g.clone(), true
		}
	}
	return nil, false
}
