package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/twokc/2kc/internal/broker/channel"
	"github.com/twokc/2kc/internal/broker/grant"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/server"
	"github.com/twokc/2kc/internal/broker/service"
	"github.com/twokc/2kc/internal/broker/workflow"
)

const testToken = "tok-test-1234"

func newTestServer(t *testing.T) *httptest.Server {
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

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestServer_RequiresToken(t *testing.T) {
	srv, err := server.New(nil, "127.0.0.1:0", "", nil)
	if !errors.Is(err, server.ErrNoAuthToken) {
		t.Fatalf("expected ErrNoAuthToken, got %v (srv %v)", err, srv)
	}
}

func TestServer_HealthIsExempt(t *testing.T) {
	ts := newTestServer(t)
	resp, body := call(t, ts, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var h service.Health
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Status != "ok" || h.PID == 0 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestServer_RejectsBadTokens(t *testing.T) {
	ts := newTestServer(t)
	for name, token := range map[string]string{
		"missing":       "",
		"wrong":         "tok-wrong",
		"prefix":        testToken[:len(testToken)-1],
		"longer":        testToken + "x",
		"empty builder": " ",
	} {
		resp, body := call(t, ts, http.MethodGet, "/api/secrets", token, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, resp.StatusCode)
		}
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error != "Invalid or missing auth token" {
			t.Errorf("%s: unexpected error body: %s", name, body)
		}
	}
}

func TestServer_SecretLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := call(t, ts, http.MethodPost, "/api/secrets", testToken,
		map[string]any{"ref": "deploy-key", "value": "hunter2", "tags": []string{"dev"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.UUID == "" {
		t.Fatalf("add: bad body %s (%v)", body, err)
	}

	resp, body = call(t, ts, http.MethodGet, "/api/secrets", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var items []secrets.Metadata
	if err := json.Unmarshal(body, &items); err != nil || len(items) != 1 {
		t.Fatalf("list: bad body %s (%v)", body, err)
	}
	if bytes.Contains(body, []byte("hunter2")) {
		t.Fatal("listing must never expose values")
	}

	resp, _ = call(t, ts, http.MethodGet, "/api/secrets/resolve/deploy-key", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = call(t, ts, http.MethodDelete, "/api/secrets/"+created.UUID, testToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", resp.StatusCode)
	}

	resp, _ = call(t, ts, http.MethodGet, "/api/secrets/"+created.UUID, testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get removed: expected 404, got %d", resp.StatusCode)
	}
}

func TestServer_DuplicateRefConflicts(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"ref": "deploy-key", "value": "v"}
	call(t, ts, http.MethodPost, "/api/secrets", testToken, body)
	resp, _ := call(t, ts, http.MethodPost, "/api/secrets", testToken, body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	resp, body := call(t, ts, http.MethodGet, "/api/nope", testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var e struct {
		Error      string `json:"error"`
		StatusCode int    `json:"statusCode"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Error != "Not Found" || e.StatusCode != 404 {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestServer_InvalidRequestBodyIs400(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := call(t, ts, http.MethodPost, "/api/requests", testToken,
		map[string]any{"secretUuids": []string{}, "reason": "", "taskRef": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServer_RequestGrantInjectFlow(t *testing.T) {
	ts := newTestServer(t)

	_, body := call(t, ts, http.MethodPost, "/api/secrets", testToken,
		map[string]any{"ref": "api-key", "value": "sk-secret-value", "tags": []string{"dev"}})
	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, body := call(t, ts, http.MethodPost, "/api/requests", testToken,
		map[string]any{"secretUuids": []string{created.UUID}, "reason": "deploy", "taskRef": "T-1", "duration": 60})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var req request.Request
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Status != request.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}

	resp, body = call(t, ts, http.MethodGet, "/api/grants/"+req.ID, testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate grant: expected 200, got %d", resp.StatusCode)
	}
	var valid bool
	if err := json.Unmarshal(body, &valid); err != nil || !valid {
		t.Fatalf("expected a valid grant, got %s (%v)", body, err)
	}

	resp, body = call(t, ts, http.MethodPost, "/api/inject", testToken,
		map[string]any{"requestId": req.ID, "envVarName": "KEY", "command": []string{"/bin/sh", "-c", "printenv KEY"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inject: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var res inject.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "[REDACTED]\n" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The grant is single-use; a second inject must be refused.
	resp, _ = call(t, ts, http.MethodPost, "/api/inject", testToken,
		map[string]any{"requestId": req.ID, "command": []string{"/bin/sh", "-c", "true"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second inject: expected 403, got %d", resp.StatusCode)
	}
}

type failingFacade struct {
	service.Facade
}

func (failingFacade) Health(context.Context) (*service.Health, error) {
	return nil, errors.New("disk exploded: /var/lib/2kc")
}

func TestServer_InternalErrorsAreElided(t *testing.T) {
	srv, err := server.New(failingFacade{}, "127.0.0.1:0", testToken, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, body := call(t, ts, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if bytes.Contains(body, []byte("disk exploded")) {
		t.Fatalf("5xx body must elide internals: %s", body)
	}
	if !bytes.Contains(body, []byte("Internal server error")) {
		t.Fatalf("unexpected body: %s", body)
	}
}
