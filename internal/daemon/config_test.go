package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, uint(8240), conf.Port)
	assert.Equal(t, 30000, conf.PortRangeStart)
	assert.Equal(t, 32767, conf.PortRangeEnd)
	assert.NotZero(t, conf.HeartbeatInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url = "https://control.example.com"
shared_secret = "hunter2"
port = 9000
heartbeat_seconds = 5
`), 0644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://control.example.com", conf.ServerURL)
	assert.Equal(t, uint(9000), conf.Port)
	assert.Equal(t, "5s", conf.HeartbeatInterval.String())
	assert.NoError(t, conf.Validate())
}

func TestValidate(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Error(t, conf.Validate(), "missing server url")

	conf.ServerURL = "http://localhost:8123"
	assert.Error(t, conf.Validate(), "missing credentials")

	conf.JoinCode = "abc"
	assert.NoError(t, conf.Validate())

	conf.PortRangeEnd = conf.PortRangeStart
	assert.Error(t, conf.Validate())
}

func TestParseWorkloadName(t *testing.T) {
	id, ok := parseWorkloadName("wl-42")
	assert.True(t, ok)
	assert.Equal(t, uint(42), id)

	_, ok = parseWorkloadName("minecraft")
	assert.False(t, ok)
	_, ok = parseWorkloadName("wl-abc")
	assert.False(t, ok)
}
