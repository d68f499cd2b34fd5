package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"net/http/httptest"

	"github.com/twokc/2kc/internal/broker/channel"
	"github.com/twokc/2kc/internal/broker/grant"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/server"
	"github.com/twokc/2kc/internal/broker/service"
	"github.com/twokc/2kc/internal/broker/workflow"
)

const testToken = "tok-client-test"

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	store := secrets.New(filepath.Join(t.TempDir(), "secrets.json"))
	requests := request.NewLog()
	grants := grant.NewManager()
	engine := workflow.New(store, channel.Disabled{}, workflow.Policy{}, nil)
	injector := inject.New(grants, store, inject.HostRunner{}, nil)
	facade := service.NewLocal(store, requests, engine, grants, injector)

	srv, err := server.New(facade, "127.0.0.1:0", testToken, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_RoundTrip(t *testing.T) {
	ts := newBackend(t)
	c := service.NewClient(ts.URL, testToken)
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != "ok" {
		t.Fatalf("unexpected health: %+v", h)
	}

	uuid, err := c.AddSecret(ctx, "deploy-key", "hunter2", []string{"dev"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	items, err := c.ListSecrets(ctx)
	if err != nil || len(items) != 1 || items[0].Ref != "deploy-key" {
		t.Fatalf("list: %v %+v", err, items)
	}

	meta, err := c.ResolveSecret(ctx, "deploy-key")
	if err != nil || meta.UUID != uuid {
		t.Fatalf("resolve: %v %+v", err, meta)
	}

	req, err := c.CreateRequest(ctx, []string{uuid}, "deploy", "T-1", 60)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if req.Status != request.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	valid, err := c.ValidateGrant(ctx, req.ID)
	if err != nil || !valid {
		t.Fatalf("validate grant: %v %v", valid, err)
	}

	res, err := c.Inject(ctx, req.ID, "KEY", []string{"/bin/sh", "-c", "printenv KEY"})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if res.Stdout != "[REDACTED]\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := c.RemoveSecret(ctx, uuid); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.GetSecretMetadata(ctx, uuid); err == nil {
		t.Fatal("expected error for removed secret")
	}
}

func TestClient_AuthFailureIsTranslated(t *testing.T) {
	ts := newBackend(t)
	c := service.NewClient(ts.URL, "tok-wrong")

	_, err := c.ListSecrets(context.Background())
	if !errors.Is(err, service.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_ServerNotRunningIsTranslated(t *testing.T) {
	// Nothing listens on this port.
	c := service.NewClient("http://127.0.0.1:59999", testToken)

	_, err := c.Health(context.Background())
	if !errors.Is(err, service.ErrServerNotRunning) {
		t.Fatalf("expected ErrServerNotRunning, got %v", err)
	}
}

func TestClient_ServerErrorBodySurfaces(t *testing.T) {
	ts := newBackend(t)
	c := service.NewClient(ts.URL, testToken)

	_, err := c.AddSecret(context.Background(), "Not A Valid Ref!", "v", nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
}
