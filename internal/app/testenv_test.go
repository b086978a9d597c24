package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"valuechain/api/internal/auth"
	"valuechain/api/internal/config"
	"valuechain/api/internal/store"
	"valuechain/api/internal/store/storetest"
)

type testEnv struct {
	cfg     config.Config
	store   *store.SQLStore
	service *Service
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.JWTSecret = "test-secret"
	cfg.JWTIssuer = "valuechain-test"
	st := storetest.New(t)
	svc := New(cfg, st, nil, nil, nil)
	return &testEnv{
		cfg:     cfg,
		store:   st,
		service: svc,
		handler: NewHTTPServer(svc, "*").Handler(),
	}
}

func (e *testEnv) token(t *testing.T, userID, role, tenantID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID, Issuer: e.cfg.JWTIssuer},
		Name:             userID,
		Role:             role,
		TenantID:         tenantID,
	}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: parse response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, payload
}

// mustDo fails the test unless the response has the wanted status.
func (e *testEnv) mustDo(t *testing.T, want int, method, path, token, body string) map[string]any {
	t.Helper()
	status, payload := e.do(t, method, path, token, body)
	if status != want {
		t.Fatalf("%s %s: expected status %d, got %d body=%v", method, path, want, status, payload)
	}
	return payload
}

func items(t *testing.T, payload map[string]any) []map[string]any {
	t.Helper()
	raw, ok := payload["items"].([]any)
	if !ok {
		t.Fatalf("expected items array, got %v", payload["items"])
	}
	out := make([]map[string]any, len(raw))
	for i, item := range raw {
		out[i] = item.(map[string]any)
	}
	return out
}

func segmentsOf(t *testing.T, chain map[string]any) []map[string]any {
	t.Helper()
	return items(t, map[string]any{"items": chain["segments"]})
}
