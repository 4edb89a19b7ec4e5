package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 4
mempool:
  buffers: 1024
  frame_size: 2048
conntrack:
  idle_timeout: 2m
  establish_timeout: 5s
metrics_addr: ":9417"
subscriptions:
  - filter: "tls"
    datatypes: [TlsHandshake]
    callback: log_session
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 1024, cfg.Mempool.Buffers)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Conntrack.IdleTimeout))
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Conntrack.EstablishTimeout))
	// defaults survive partial configs
	assert.Equal(t, 64, cfg.Conntrack.RingCapacity)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "log_session", cfg.Subscriptions[0].Callback)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("conntrack: {idle_timeout: nonsense}\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
