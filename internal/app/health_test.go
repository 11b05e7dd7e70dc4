package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, fs *fakeStore) (*HTTPServer, *Service) {
	t.Helper()
	svc := newTestService(t, fs)
	return NewHTTPServer(svc, "*", nil), svc
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doRequest(t, server, http.MethodGet, "/api/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error {
		return nil
	}
	server, _ := newTestServer(t, fs)

	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
	checks, _ := response["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "ok" {
		t.Errorf("expected database status ok, got %v", database["status"])
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}
	server, _ := newTestServer(t, fs)

	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["ok"] != false {
		t.Errorf("expected ok=false, got %v", response["ok"])
	}
	checks, _ := response["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Errorf("unexpected database check %v", database)
	}
}

func TestPreflightReturnsCORSHeaders(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doRequest(t, server, http.MethodOptions, "/api/posts", "", nil)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected allow-origin *, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("expected allow-methods header")
	}
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	server, _ := newTestServer(t, newFakeStore())

	rr := doRequest(t, server, http.MethodGet, "/api/nope", "", nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %v", code)
	}
}
