package grant_test

import (
	"errors"
	"testing"
	"time"

	"github.com/twokc/2kc/internal/broker/grant"
	"github.com/twokc/2kc/internal/broker/request"
)

func approvedRequest(t *testing.T, duration int) *request.Request {
	t.Helper()
	r, err := request.New([]string{"u1", "u2"}, "reason", "T-1", duration)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	r.Status = request.StatusApproved
	return r
}

func TestManager_CreateRequiresApproval(t *testing.T) {
	m := grant.NewManager()
	r, err := request.New([]string{"u1"}, "reason", "T-1", 60)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := m.Create(r); !errors.Is(err, grant.ErrNotApproved) {
		t.Fatalf("pending request: expected ErrNotApproved, got %v", err)
	}

	r.Status = request.StatusDenied
	if _, err := m.Create(r); !errors.Is(err, grant.ErrNotApproved) {
		t.Fatalf("denied request: expected ErrNotApproved, got %v", err)
	}
}

func TestManager_CreateSetsExpiryFromDuration(t *testing.T) {
	m := grant.NewManager()
	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Used {
		t.Error("fresh grant must not be used")
	}
	if g.RevokedAt != nil {
		t.Error("fresh grant must not be revoked")
	}
	if got := g.ExpiresAt.Sub(g.GrantedAt); got != 60*time.Second {
		t.Errorf("expected 60s lifetime, got %s", got)
	}
	if !m.Validate(g.ID) {
		t.Error("fresh grant must validate")
	}
}

func TestManager_MarkUsedIsExclusive(t *testing.T) {
	m := grant.NewManager()
	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.MarkUsed(g.ID); err != nil {
		t.Fatalf("first markUsed: %v", err)
	}
	if err := m.MarkUsed(g.ID); !errors.Is(err, grant.ErrNotValid) {
		t.Fatalf("second markUsed: expected ErrNotValid, got %v", err)
	}
	if m.Validate(g.ID) {
		t.Error("used grant must not validate")
	}
}

func TestManager_MarkUsedUnknown(t *testing.T) {
	m := grant.NewManager()
	if err := m.MarkUsed("missing"); !errors.Is(err, grant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_RevokeOnce(t *testing.T) {
	m := grant.NewManager()
	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Revoke(g.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if m.Validate(g.ID) {
		t.Error("revoked grant must not validate")
	}
	if err := m.Revoke(g.ID); !errors.Is(err, grant.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if err := m.MarkUsed(g.ID); !errors.Is(err, grant.ErrNotValid) {
		t.Fatalf("markUsed after revoke: expected ErrNotValid, got %v", err)
	}
}

func TestManager_GetReturnsDeepCopy(t *testing.T) {
	m := grant.NewManager()
	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	copy1, ok := m.Get(g.ID)
	if !ok {
		t.Fatal("get failed")
	}
	copy1.Used = true
	copy1.SecretUUIDs[0] = "tampered"

	copy2, _ := m.Get(g.ID)
	if copy2.Used {
		t.Error("mutating a copy must not mark the grant used")
	}
	if copy2.SecretUUIDs[0] == "tampered" {
		t.Error("mutating a copy must not alter secret ids")
	}
}

func TestManager_SecretsCopy(t *testing.T) {
	m := grant.NewManager()
	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, ok := m.Secrets(g.ID)
	if !ok || len(ids) != 2 {
		t.Fatalf("secrets: ok=%v ids=%v", ok, ids)
	}
	ids[0] = "tampered"
	again, _ := m.Secrets(g.ID)
	if again[0] == "tampered" {
		t.Error("secrets must be returned by copy")
	}

	if _, ok := m.Secrets("missing"); ok {
		t.Error("unknown id must report !ok")
	}
}

func TestManager_FindByRequest(t *testing.T) {
	m := grant.NewManager()
	req := approvedRequest(t, 60)
	g, err := m.Create(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, ok := m.FindByRequest(req.ID)
	if !ok || found.ID != g.ID {
		t.Fatalf("findByRequest: ok=%v found=%+v", ok, found)
	}
	if _, ok := m.FindByRequest("missing"); ok {
		t.Error("unknown request must report !ok")
	}
}

func TestManager_CleanupReapsExpired(t *testing.T) {
	m := grant.NewManager()
	m.Cleanup() // safe on empty

	g, err := m.Create(approvedRequest(t, 60))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Cleanup()
	if _, ok := m.Get(g.ID); !ok {
		t.Fatal("unexpired grant must survive cleanup")
	}
}
