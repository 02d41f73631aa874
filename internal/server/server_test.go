package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browser-auth/internal/common/config"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/models"
)

type stubAuth struct {
	result     *models.AuthResult
	err        error
	report     *models.SessionStatusReport
	loggedOut  []string
	lastOwner  string
	lastSecret string
}

func (a *stubAuth) Authenticate(_ context.Context, req models.AuthRequest) (*models.AuthResult, error) {
	a.lastOwner = req.OwnerID
	a.lastSecret = req.Secret
	return a.result, a.err
}

func (a *stubAuth) CheckSession(context.Context, string) (*models.SessionStatusReport, error) {
	return a.report, nil
}

func (a *stubAuth) Logout(_ context.Context, ownerID string) {
	a.loggedOut = append(a.loggedOut, ownerID)
}

func (a *stubAuth) Diagnostics(context.Context) map[string]interface{} {
	return map[string]interface{}{"pool": map[string]int{"active": 1}}
}

type stubPool struct{ exists bool }

func (p *stubPool) Exists(context.Context, string) bool { return p.exists }

type stubHealth struct{ healthy bool }

func (h *stubHealth) Healthy(context.Context) bool { return h.healthy }

func newTestServer(t *testing.T, auth *stubAuth, pool *stubPool, health *stubHealth) *Server {
	t.Helper()
	return NewServer(config.DiagnosticsConfig{Address: ":0"}, auth, pool, health, logger.NewTestLogger(t))
}

func TestLoginSuccess(t *testing.T) {
	auth := &stubAuth{result: &models.AuthResult{Success: true, SessionID: "s-1", TraceID: "auth-1-abc"}}
	srv := newTestServer(t, auth, &stubPool{}, &stubHealth{healthy: true})

	body := `{"ownerId":"owner-1","accountIdentifier":"user@example.com","secret":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner-1", auth.lastOwner)
	assert.Equal(t, "hunter2", auth.lastSecret)

	var result models.AuthResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "s-1", result.SessionID)
}

func TestLoginFailureMapsToUnauthorized(t *testing.T) {
	auth := &stubAuth{result: &models.AuthResult{
		Success:   false,
		ErrorCode: "INVALID_CREDENTIALS",
		Challenge: "wrong_secret",
	}}
	srv := newTestServer(t, auth, &stubPool{}, &stubHealth{healthy: true})

	body := `{"ownerId":"owner-1","accountIdentifier":"user@example.com","secret":"bad"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var result models.AuthResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "INVALID_CREDENTIALS", result.ErrorCode)
}

func TestLoginMalformedBody(t *testing.T) {
	srv := newTestServer(t, &stubAuth{}, &stubPool{}, &stubHealth{healthy: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckSession(t *testing.T) {
	auth := &stubAuth{report: &models.SessionStatusReport{Valid: true, SessionID: "s-1", CookieCount: 3}}
	srv := newTestServer(t, auth, &stubPool{}, &stubHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/sessions/owner-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var report models.SessionStatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.CookieCount)
}

func TestLogout(t *testing.T) {
	auth := &stubAuth{}
	srv := newTestServer(t, auth, &stubPool{}, &stubHealth{healthy: true})

	req := httptest.NewRequest(http.MethodDelete, "/v1/auth/sessions/owner-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"owner-1"}, auth.loggedOut)
}

func TestInstanceAvailability(t *testing.T) {
	srv := newTestServer(t, &stubAuth{}, &stubPool{exists: true}, &stubHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/instances/owner-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["available"])
}

func TestReadyReflectsStoreHealth(t *testing.T) {
	srv := newTestServer(t, &stubAuth{}, &stubPool{}, &stubHealth{healthy: false})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv = newTestServer(t, &stubAuth{}, &stubPool{}, &stubHealth{healthy: true})
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDiagnostics(t *testing.T) {
	srv := newTestServer(t, &stubAuth{}, &stubPool{}, &stubHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool")
}
