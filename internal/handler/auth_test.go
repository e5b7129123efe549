package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflink-ai/employee-stream/internal/auth"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

func newAuthTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewAuthHandler(auth.NewStore("test-secret", 15*time.Minute), logger.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", h.Login)
	mux.HandleFunc("/auth/refresh", h.Refresh)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLoginAndRefresh(t *testing.T) {
	server := newAuthTestServer(t)

	resp, err := http.Post(server.URL+"/auth/login", "application/json",
		strings.NewReader(`{"tenant_id":"t1","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.Session.AccessToken)
	require.NotEmpty(t, login.Session.RefreshToken)
	assert.Greater(t, login.Session.ExpiresAt, time.Now().Unix())

	refreshResp, err := http.Post(server.URL+"/auth/refresh", "application/json",
		strings.NewReader(`{"refresh_token":"`+login.Session.RefreshToken+`"}`))
	require.NoError(t, err)
	defer refreshResp.Body.Close()
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)

	var refreshed sessionResponse
	require.NoError(t, json.NewDecoder(refreshResp.Body).Decode(&refreshed))
	assert.NotEqual(t, login.Session.RefreshToken, refreshed.Session.RefreshToken)

	// The redeemed token is burned.
	replay, err := http.Post(server.URL+"/auth/refresh", "application/json",
		strings.NewReader(`{"refresh_token":"`+login.Session.RefreshToken+`"}`))
	require.NoError(t, err)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, replay.StatusCode)
}

func TestLoginValidation(t *testing.T) {
	server := newAuthTestServer(t)

	resp, err := http.Post(server.URL+"/auth/login", "application/json",
		strings.NewReader(`{"tenant_id":"","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshUnknownToken(t *testing.T) {
	server := newAuthTestServer(t)

	resp, err := http.Post(server.URL+"/auth/refresh", "application/json",
		strings.NewReader(`{"refresh_token":"never-issued"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
