package cli

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/docgate/internal/client"
	"github.com/kilupskalvis/docgate/internal/config"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := newLogger(&bytes.Buffer{}, "error", "text")

	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, logger, func(a net.Addr) { addrs <- a })
	}()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(30 * time.Second):
			return context.DeadlineExceeded
		}
	}
	return "http://" + addr.String(), stop
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.AdminToken = "admin-secret"
	return cfg
}

func TestServe_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	url, stop := startServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.New(url, "")
	require.NoError(t, c.Health(ctx))

	handle, err := c.AddDocuments(ctx, "movies", models.MethodReplace, []byte(`[{"id":1,"title":"Carol"}]`), "")
	require.NoError(t, err)
	task, err := c.WaitTask(ctx, "movies", handle.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSucceeded, task.Status)

	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, stop())

	// Data survives a restart.
	url, stop = startServer(t, cfg)
	defer stop()
	doc, err := client.New(url, "").GetDocument(ctx, "movies", "1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"title":"Carol"}`, string(doc))
}

func TestServe_RequireAuthWithIssuedToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequireAuth = true
	url, stop := startServer(t, cfg)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.New(url, "", client.WithRetry(nil)).GetIndex(ctx, "movies")
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)

	created, err := client.NewAdminClient(url, cfg.AdminToken).CreateToken(ctx, "test", []string{"movies"}, "rw")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, config.TokensFile))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), created.Token))

	c := client.New(url, created.Token)
	handle, err := c.AddDocuments(ctx, "movies", models.MethodReplace, []byte(`{"id":"a"}`), "")
	require.NoError(t, err)
	_, err = c.WaitTask(ctx, "movies", handle.TaskID, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = c.GetIndex(ctx, "books")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.Status)
}

func TestServe_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Listen = ln.Addr().String()
	err = serve(context.Background(), cfg, newLogger(&bytes.Buffer{}, "error", "json"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "index", "movies")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"index":"movies"`)

	buf.Reset()
	newLogger(&buf, "debug", "text").Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}
