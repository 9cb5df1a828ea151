package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/realtime"
	"github.com/nikhil/eaven-sync/internal/routes"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.NewNop()
	mem := backend.NewMemoryStore()
	hub := realtime.NewHub(64)
	srv := httptest.NewServer(routes.RegisterAllRoutes(&routes.Deps{
		Auth:            auth.NewAuthService(mem, "test-secret", log),
		API:             handlers.NewHandler(backend.WithPublisher(mem, hub, log), mem, hub, nil, log),
		Log:             log,
		DefaultChannels: []string{"general"},
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCommandsAgainstServer(t *testing.T) {
	srv := newServer(t)
	profile := filepath.Join(t.TempDir(), "eaven.yaml")

	out, err := run(t, "--profile", profile, "signup", "--server", srv.URL,
		"--email", "alice@acme.test", "--password", "correct-horse", "--name", "Alice", "--org", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as Alice")

	out, err = run(t, "--profile", profile, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, srv.URL)

	out, err = run(t, "--profile", profile, "send", "general", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent ")

	out, err = run(t, "--profile", profile, "read", "#general")
	require.NoError(t, err)
	assert.Contains(t, out, "#general")
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "Alice")

	out, err = run(t, "--profile", profile, "channels")
	require.NoError(t, err)
	assert.Contains(t, out, "#general")

	_, err = run(t, "--profile", profile, "read", "nowhere")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = run(t, "--profile", profile, "logout")
	require.NoError(t, err)
	_, err = run(t, "--profile", profile, "channels")
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
}
