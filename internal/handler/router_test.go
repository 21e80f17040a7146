package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/service/ai"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/hub"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

func newTestRouter(t *testing.T) (http.Handler, *auth.JWTVerifier) {
	t.Helper()
	store := tree.NewMemoryStore()
	h := hub.New(zerolog.Nop())
	locks := lock.NewManager(h, time.Minute, zerolog.Nop())
	sessions := session.NewHandler(store, h, locks, ai.NewScripted(""), session.Options{}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})
	verifier := auth.NewJWTVerifier([]byte("secret"))

	return NewRouter(zerolog.Nop(), Deps{
		Store:    store,
		Agents:   agent.NewMemoryStore(agent.Seed()),
		Hub:      h,
		Locks:    locks,
		Sessions: sessions,
		Verifier: verifier,
		Session:  config.SessionConfig{PingInterval: time.Minute, SendQueue: 16},
	}), verifier
}

func TestRouterPublicRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/api/agents", http.StatusOK, `"id"`},
		{"/metrics", http.StatusOK, "arbor_active_connections"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.status, resp.Code)
			assert.Contains(t, resp.Body.String(), tc.body)
		})
	}
}

func TestRouterProtectedRoutes(t *testing.T) {
	router, verifier := newTestRouter(t)

	for _, path := range []string{"/api/chats", "/api/chats/x", "/api/chats/x/ws", "/api/chats/x/events"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, resp.Code, path)
	}

	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader(`{"title":"t","rootText":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestRouterCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.NotEmpty(t, resp.Header().Get("Access-Control-Allow-Origin"))
}
