package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/sceneactivity/sceneactivity/internal/auth"
	"github.com/sceneactivity/sceneactivity/internal/server"
	"github.com/sceneactivity/sceneactivity/internal/webhook"
)

const (
	testSecret  = "test-secret"
	testUserID  = "550e8400-e29b-41d4-a716-446655440000"
	testSceneID = "8f14e45f-ceea-467f-a0e6-2b3c4d5e6f70"
)

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

type mockStorage struct{}

func (m *mockStorage) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	return nil
}

func (m *mockStorage) ReadObject(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("not found")
}

func (m *mockStorage) GenerateDownloadURL(ctx context.Context, key string, filename string, expiry time.Duration) (string, error) {
	return "https://storage.example.com/" + key, nil
}

func (m *mockStorage) DeleteObject(ctx context.Context, key string) error {
	return nil
}

func newServerWithoutDB(t *testing.T, pinger server.Pinger) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{Pinger: pinger})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func newServerWithDB(t *testing.T) (*server.Server, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)

	srv, err := server.New(server.Config{
		DB:                    mock,
		Pinger:                &mockPinger{},
		Storage:               &mockStorage{},
		Webhooks:              webhook.New(mock),
		JWTSecret:             testSecret,
		BaseURL:               "https://localhost:8080",
		StoragePublicEndpoint: "https://storage.example.com",
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, mock
}

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := auth.GenerateAccessToken(testSecret, testUserID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(srv *server.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresJWTSecret(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	if _, err := server.New(server.Config{DB: mock, Storage: &mockStorage{}}); err == nil {
		t.Fatal("expected error without JWT secret")
	}
}

func TestNew_RequiresStorage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	if _, err := server.New(server.Config{DB: mock, JWTSecret: testSecret}); err == nil {
		t.Fatal("expected error without object storage")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pinger     server.Pinger
		wantStatus int
		wantBody   string
	}{
		{"no pinger", nil, http.StatusOK, `"status":"ok"`},
		{"healthy", &mockPinger{}, http.StatusOK, `"status":"ok"`},
		{"database down", &mockPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, `"status":"unhealthy"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServerWithoutDB(t, tt.pinger)
			rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %s, got %s", tt.wantBody, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
		})
	}
}

func TestLimits(t *testing.T) {
	srv := newServerWithoutDB(t, nil)
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/limits", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var limits map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&limits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(limits) == 0 {
		t.Error("expected field limits in response")
	}
}

func TestRoutesWithoutDBAreNotRegistered(t *testing.T) {
	srv := newServerWithoutDB(t, nil)
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/scenes", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without database, got %d", rec.Code)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv := newServerWithoutDB(t, nil)
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("expected Content-Security-Policy header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff")
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv, _ := newServerWithDB(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/scenes"},
		{http.MethodPost, "/api/scenes"},
		{http.MethodGet, "/api/scenes/" + testSceneID + "/activity"},
		{http.MethodPost, "/api/scenes/" + testSceneID + "/plays"},
		{http.MethodPost, "/api/scenes/" + testSceneID + "/o/delete"},
		{http.MethodDelete, "/api/scenes/" + testSceneID + "/o"},
		{http.MethodGet, "/api/scenes/" + testSceneID + "/history"},
		{http.MethodGet, "/api/settings/api-keys"},
		{http.MethodPut, "/api/settings/webhook"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(rt.method, rt.path, nil))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestSceneRoutes_InvalidIDIsNotFound(t *testing.T) {
	srv, mock := newServerWithDB(t)

	rec := serve(srv, authedRequest(t, http.MethodGet, "/api/scenes/not-a-uuid/activity", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestAddPlayRoute(t *testing.T) {
	srv, mock := newServerWithDB(t)
	played := time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(testSceneID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testSceneID))
	mock.ExpectExec(`INSERT INTO scene_play_dates`).
		WithArgs(testSceneID, []time.Time{played}, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE scenes\s+SET last_played_at`).
		WithArgs(testSceneID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT occurred_at FROM scene_play_dates`).
		WithArgs(testSceneID).
		WillReturnRows(pgxmock.NewRows([]string{"occurred_at"}).AddRow(played))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT webhook_url, webhook_secret`).
		WithArgs(testUserID).
		WillReturnError(pgx.ErrNoRows)

	rec := serve(srv, authedRequest(t, http.MethodPost, "/api/scenes/"+testSceneID+"/plays",
		`{"times":["2026-03-01T20:15:00Z"]}`))
	srv.Close()

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, mock := newServerWithDB(t)

	key := "sa_" + strings.Repeat("ab", 32)
	hash := auth.HashAPIKey(key)
	mock.ExpectQuery(`UPDATE api_keys SET last_used_at`).
		WithArgs(hash).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "read_only"}).AddRow(testUserID, true))
	mock.ExpectQuery(`SELECT s.id, s.title`).
		WithArgs(testUserID, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "duration_seconds", "play_duration", "resume_time",
			"last_played_at", "created_at", "play_count", "o_counter"}))

	req := httptest.NewRequest(http.MethodGet, "/api/scenes", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAuthRateLimited(t *testing.T) {
	srv, _ := newServerWithDB(t)

	var last int
	for i := 0; i < 7; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{`))
		req.RemoteAddr = "203.0.113.9:1234"
		last = serve(srv, req).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", last)
	}
}

func TestDocsRoutes(t *testing.T) {
	srv, err := server.New(server.Config{EnableDocs: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.yaml", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "openapi:") {
		t.Errorf("expected openapi document, got %d", rec.Code)
	}

	disabled := newServerWithoutDB(t, nil)
	if rec := serve(disabled, httptest.NewRequest(http.MethodGet, "/api/docs", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with docs disabled, got %d", rec.Code)
	}
}
