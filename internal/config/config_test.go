package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9981, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, ":9981", cfg.ListenAddr())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	body := `
port: 9000
scan_timeout: 1500ms
storage_dir: /tmp/mesh
discovery:
  sources: [mdns, file]
  seed_file: /etc/zephyr/seeds.yaml
sync:
  reconnect_min: 2s
  reconnect_max: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("ZEPHYR_PORT", "9100")
	t.Setenv("ZEPHYR_DISCOVERY_SOURCES", "mdns, file ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, 1500*time.Millisecond, cfg.ScanTimeout)
	assert.Equal(t, DefaultDiscoveryInterval, cfg.DiscoveryInterval, "unset keys keep defaults")
	assert.Equal(t, "/tmp/mesh", cfg.StorageDir)
	assert.Equal(t, []string{"mdns", "file"}, cfg.Discovery.Sources)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReconnectMin)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("ZEPHYR_SCAN_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"port", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"interval", func(c *Config) { c.DiscoveryInterval = 0 }, ErrInvalidDuration},
		{"reconnect", func(c *Config) { c.Sync.ReconnectMax = time.Millisecond }, ErrInvalidDuration},
		{"storage", func(c *Config) { c.StorageDir = "" }, ErrStorageDir},
		{"no sources", func(c *Config) { c.Discovery.Sources = nil }, ErrNoSources},
		{"unknown source", func(c *Config) { c.Discovery.Sources = []string{"dht"} }, ErrUnknownSource},
		{"etcd endpoints", func(c *Config) { c.Discovery.Sources = []string{SourceEtcd} }, ErrSourceSettings},
		{"seed file", func(c *Config) { c.Discovery.Sources = []string{SourceFile} }, ErrSourceSettings},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestStaticPeersAloneAreEnough(t *testing.T) {
	t.Setenv("ZEPHYR_DISCOVERY_SOURCES", "")
	t.Setenv("ZEPHYR_PEERS", "10.0.0.1,10.0.0.2:9981")

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Discovery.Sources = nil
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:9981"}, cfg.Discovery.Peers)
}

func TestDefaultUsesDiscoveryServiceNames(t *testing.T) {
	cfg := Default()
	assert.Equal(t, discovery.DefaultMDNSService, cfg.Discovery.MDNSService)
	assert.Equal(t, discovery.DefaultConsulService, cfg.Discovery.ConsulService)
}
