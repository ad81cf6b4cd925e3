package app

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fast-static/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o755))
	page := filepath.Join(root, "index.html")
	require.NoError(t, os.WriteFile(page, []byte("hello"), 0o644))
	require.NoError(t, os.Chmod(page, 0o644))

	cfg := config.Default()
	cfg.Addr = "127.0.0.1"
	cfg.Port = 0
	cfg.Root = root
	cfg.Workers = 2
	cfg.QueueCapacity = 16
	cfg.MaxConnections = 64
	return cfg
}

func TestAppServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)

	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	a, err := NewWithLogger(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	errc := make(chan error, 1)
	go func() { errc <- a.Run() }()

	resp, err := http.Get("http://" + a.Engine().Addr().String() + "/index.html")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	a.Shutdown()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	out := logs.String()
	assert.Contains(t, out, `"component":"app"`)
	assert.Contains(t, out, "engine stats")
	assert.Contains(t, out, "gc stats")
}

func TestNewRejectsBadRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Root = filepath.Join(cfg.Root, "index.html")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	_, err := NewWithLogger(cfg, logger)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.LogLevel = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestEngineOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tick = 250 * time.Millisecond
	cfg.IdleTimeout = 3 * time.Second

	opts := EngineOptions(cfg, logrus.NewEntry(logrus.New()))
	assert.Equal(t, cfg.Root, opts.Root)
	assert.Equal(t, cfg.MaxConnections, opts.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, opts.Tick)
	assert.Equal(t, 3*time.Second, opts.IdleTimeout)
	assert.Equal(t, cfg.ReadBuffer, opts.ReadBuffer)
}
