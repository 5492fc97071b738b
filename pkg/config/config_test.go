package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3901", cfg.RPCBind)
	assert.Equal(t, 3, cfg.Replication.R)
	assert.Equal(t, 2, cfg.Replication.W)
	assert.Equal(t, 2, cfg.Replication.F)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sync.GracePeriod)
	assert.NoError(t, cfg.Quorum().Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
node_id: ` + strings.Repeat("ab", 32) + `
data_dir: /tmp/strata-test
zone: dc1
rpc_bind: 127.0.0.1:4901
rpc_secret: hunter2
replication:
  r: 3
  w: 2
  f: 2
sync:
  interval: 30s
  concurrency: 4
peers:
  ` + strings.Repeat("cd", 32) + `: 10.0.0.2:3901
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ab", 32), cfg.NodeID)
	assert.Equal(t, "127.0.0.1:4901", cfg.RPCBind)
	assert.Equal(t, "hunter2", cfg.RPCSecret)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, "10.0.0.2:3901", cfg.Peers[strings.Repeat("cd", 32)])
}

func TestLoadRejectsBadQuorum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
replication:
  r: 3
  w: 1
  f: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: not-a-key\n"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
