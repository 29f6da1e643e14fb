package app

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/equipment"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/bolt"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example ,"))
}

func TestBuildRouter_Smoke(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{MaxRetries: 3, RateLimitRequests: 100, RateLimitWindow: time.Minute}
	admin := usecase.NewAdmin(equipment.NewRegistry(time.Second), 0)
	orders := usecase.NewWorkOrders(store, &recordingQueue{}, nopBus{}, admin, nil, cfg)
	srv := httpserver.NewServer(cfg, orders, nopBus{}, store.Ping, nil)
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := strings.NewReader(`{"message":"fix the typo in the docs index","session_id":"s1"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/work-orders", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
