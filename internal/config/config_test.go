package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "routing_mode": "rip",
  "interfaces": [
    {"name": "eth0", "assigned_ip": "10.0.0.1", "assigned_prefix": "10.0.0.0/24", "udp_addr": "127.0.0.1", "udp_port": 5000}
  ],
  "neighbors": [
    {"interface_name": "eth0", "dest_addr": "10.0.0.2", "udp_port": 5001}
  ],
  "static_routes": [],
  "rip_neighbors": ["10.0.0.2"]
}`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validJSON)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RoutingRIP, cfg.RoutingMode)
	require.Len(t, cfg.Interfaces, 1)
	require.Equal(t, "eth0", cfg.Interfaces[0].Name)
	require.Len(t, cfg.RIPNeighbors, 1)
}

func TestLoadRejectsUnknownInterface(t *testing.T) {
	path := writeTemp(t, `{
		"routing_mode": "static",
		"interfaces": [],
		"neighbors": [{"interface_name": "ghost", "dest_addr": "10.0.0.2", "udp_port": 5001}],
		"static_routes": [],
		"rip_neighbors": []
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadRoutingMode(t *testing.T) {
	path := writeTemp(t, `{"routing_mode": "bogus", "interfaces": [], "neighbors": [], "static_routes": [], "rip_neighbors": []}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
