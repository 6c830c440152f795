package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	SetupWorkerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

// chdirTemp keeps LoadWorkerConfig from picking up a worker.yaml lying around
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadWorkerConfigDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := LoadWorkerConfig(newFlagSet(t))
	require.NoError(t, err)

	assert.Equal(t, defaultWorkerID(), cfg.WorkerID)
	assert.Equal(t, "0.0.0.0:7470", cfg.ListenAddr)
	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64, cfg.MsgsPerBulk)
	assert.Equal(t, 32, cfg.RecvDepth)
	assert.Equal(t, 32, cfg.SendDepth)
	assert.Equal(t, 4, cfg.SchedulerWorkers)
	assert.Equal(t, 30*time.Second, cfg.RegistryRefresh)
	assert.False(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.Peers)
	assert.Empty(t, cfg.DatabaseURI)
}

func TestLoadWorkerConfigFlags(t *testing.T) {
	chdirTemp(t)

	fs := newFlagSet(t,
		"--worker-id", "w1",
		"--backend", "loopback",
		"--msgs-per-bulk", "16",
		"--send-depth", "8",
		"--peers", "10.0.0.2:7470,10.0.0.3:7470",
		"--scheduler-workers", "8",
		"--log-level", "debug",
	)
	cfg, err := LoadWorkerConfig(fs)
	require.NoError(t, err)

	assert.Equal(t, "w1", cfg.WorkerID)
	assert.Equal(t, "loopback", cfg.Backend)
	assert.Equal(t, 16, cfg.MsgsPerBulk)
	assert.Equal(t, 8, cfg.SendDepth)
	assert.Equal(t, []string{"10.0.0.2:7470", "10.0.0.3:7470"}, cfg.Peers)
	assert.Equal(t, 8, cfg.SchedulerWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadWorkerConfigEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ACTORVM_WORKER_RECV_DEPTH", "128")
	t.Setenv("ACTORVM_WORKER_PEERS", "a:1,b:2")
	t.Setenv("ACTORVM_WORKER_METRICS_ENABLED", "true")

	cfg, err := LoadWorkerConfig(newFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.RecvDepth)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Peers)
	assert.True(t, cfg.MetricsEnabled)

	// flags win over the environment
	cfg, err = LoadWorkerConfig(newFlagSet(t, "--recv-depth", "8"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.RecvDepth)
}

func TestLoadWorkerConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker-id: "from-file"
backend: "unsupported"
registry-refresh: "5s"
peers:
  - "10.0.0.9:7470"
`), 0644))

	cfg, err := LoadWorkerConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.WorkerID)
	assert.Equal(t, "unsupported", cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.RegistryRefresh)
	assert.Equal(t, []string{"10.0.0.9:7470"}, cfg.Peers)
}

func TestLoadWorkerConfigMissingFile(t *testing.T) {
	chdirTemp(t)
	_, err := LoadWorkerConfig(newFlagSet(t, "--config", "/nonexistent/worker.yaml"))
	assert.Error(t, err)
}

func TestLoadWorkerConfigInvalid(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown backend", []string{"--backend", "carrier-pigeon"}},
		{"zero bulk", []string{"--msgs-per-bulk", "0"}},
		{"negative recv depth", []string{"--recv-depth", "-1"}},
		{"zero send depth", []string{"--send-depth", "0"}},
		{"no scheduler workers", []string{"--scheduler-workers", "0"}},
		{"negative rate", []string{"--send-rate", "-5"}},
		{"negative shm", []string{"--shm-size", "-1"}},
		{"zero refresh with database", []string{"--database-uri", "http://localhost:4001", "--registry-refresh", "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWorkerConfig(newFlagSet(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadWorkerConfigNilFlagSet(t *testing.T) {
	chdirTemp(t)
	cfg, err := LoadWorkerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Backend)
}

func TestCreateDefaultWorkerConfig(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "nested", "worker.yaml")
	require.NoError(t, CreateDefaultWorkerConfig(path))

	// the generated file loads and yields the defaults
	cfg, err := LoadWorkerConfig(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, defaultWorkerID(), cfg.WorkerID)
	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, 64, cfg.MsgsPerBulk)
	assert.Empty(t, cfg.Peers)
}

func TestSplitPeers(t *testing.T) {
	assert.Nil(t, splitPeers(nil))
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, splitPeers([]string{"a:1, b:2", " c:3 ", ""}))
}
