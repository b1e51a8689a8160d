package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay/internal/api"
	"chatrelay/internal/session"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/client"
	"chatrelay/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	registry := websocket.NewRegistry(zerolog.Nop())
	manager, err := session.NewManager(session.Deps{Registry: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(api.ServerDeps{
		Sessions: manager,
		Registry: registry,
		Logger:   zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIClient_SessionLifecycle(t *testing.T) {
	srv := newAPIServer(t)
	c := client.NewAPIClient(srv.URL+"/", "", nil)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, types.SessionStatusActive, created.Status)

	got, conns, err := c.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Zero(t, conns)

	active, err := c.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)

	rating := 5
	ended, err := c.EndSession(ctx, created.ID, &rating, "thanks")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusEnded, ended.Status)
	require.NotNil(t, ended.Rating)
	assert.Equal(t, 5, *ended.Rating)

	again, err := c.EndSession(ctx, created.ID, nil, "")
	require.NoError(t, err, "ending twice is not an error")
	assert.Equal(t, types.SessionStatusEnded, again.Status)

	mine, err := c.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestAPIClient_Errors(t *testing.T) {
	srv := newAPIServer(t)
	c := client.NewAPIClient(srv.URL, "", nil)
	ctx := context.Background()

	_, _, err := c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = c.CreateSession(ctx, "bad user")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)

	bad := 9
	_, err = c.EndSession(ctx, "missing", &bad, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestAPIClient_Unreachable(t *testing.T) {
	c := client.NewAPIClient("http://127.0.0.1:1", "", nil)
	_, err := c.CreateSession(context.Background(), "u1")
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestAPIClient_SendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer srv.Close()

	c := client.NewAPIClient(srv.URL, "tok", nil)
	_, err := c.ListSessions(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
}
