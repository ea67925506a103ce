package utils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
tunnel:
  host: 10.10.70.218
  private_key_path: /keys/id_ed25519
`)

	config, err := utils.LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultSSHPort, config.Tunnel.SSHPort)
	assert.Equal(t, "root", config.Tunnel.SSHUser)
	assert.Equal(t, constants.ModeNative, config.Tunnel.Mode)
	assert.Equal(t, 15*time.Second, config.Tunnel.KeepaliveInterval)
	assert.Equal(t, 3, config.Tunnel.KeepaliveMaxMissed)
	assert.Equal(t, 10*time.Second, config.Tunnel.ConnectTimeout)
	assert.Equal(t, time.Second, config.Tunnel.SettleDelay)
	assert.Equal(t, 3*time.Second, config.Tunnel.VerifyDelay)
	assert.Equal(t, 5*time.Second, config.Watchdog.PollInterval)
	assert.Equal(t, time.Duration(0), config.Watchdog.MaxBackoff)
	require.NotNil(t, config.Watchdog.FreePorts)
	assert.True(t, *config.Watchdog.FreePorts)
	assert.Equal(t, ".env", config.Handoff.EnvFile)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, []models.ForwardPair{
		{LocalPort: 1502, RemotePort: 502, RemoteHost: "localhost"},
		{LocalPort: 8866, RemotePort: 8800, RemoteHost: "localhost"},
	}, config.Tunnel.Forwards)
}

func TestLoadConfig_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
tunnel:
  host: robot.local
  ssh_port: 2222
  mode: exec
  forwards:
    - local_port: 9000
      remote_port: 80
      remote_host: 192.168.1.5
  keepalive_interval: 30s
watchdog:
  poll_interval: 2s
  max_backoff: 1m
  free_ports: false
`)

	config, err := utils.LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, constants.ModeExec, config.Tunnel.Mode)
	assert.Equal(t, 30*time.Second, config.Tunnel.KeepaliveInterval)
	// exec mode waits out the whole handshake before verifying.
	assert.Equal(t, config.Tunnel.ConnectTimeout, config.Tunnel.VerifyDelay)
	assert.Equal(t, 2*time.Second, config.Watchdog.PollInterval)
	assert.Equal(t, time.Minute, config.Watchdog.MaxBackoff)
	assert.False(t, *config.Watchdog.FreePorts)

	spec := config.TunnelSpec()
	assert.Equal(t, "root@robot.local:2222", spec.String())
	assert.Equal(t, []int{9000}, spec.LocalPorts())
	assert.Equal(t, "9000:192.168.1.5:80", spec.Forwards[0].LocalSpec())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := utils.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), file.NewFileService())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *utils.Config)
		wantErr string
	}{
		{
			name:    "missing host",
			mutate:  func(c *utils.Config) { c.Tunnel.Host = "" },
			wantErr: "tunnel.host is required",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *utils.Config) { c.Tunnel.Mode = "autossh" },
			wantErr: "tunnel.mode must be",
		},
		{
			name:    "native mode without key",
			mutate:  func(c *utils.Config) { c.Tunnel.PrivateKeyPath = "" },
			wantErr: "tunnel.private_key_path is required",
		},
		{
			name: "duplicate local port",
			mutate: func(c *utils.Config) {
				c.Tunnel.Forwards = append(c.Tunnel.Forwards, models.ForwardPair{LocalPort: 1502, RemotePort: 503})
			},
			wantErr: "local port 1502 used twice",
		},
		{
			name: "port out of range",
			mutate: func(c *utils.Config) {
				c.Tunnel.Forwards = []models.ForwardPair{{LocalPort: 70000, RemotePort: 502}}
			},
			wantErr: "invalid pair 70000->502",
		},
		{
			name: "exec mode verifying before handshake timeout",
			mutate: func(c *utils.Config) {
				c.Tunnel.Mode = constants.ModeExec
				c.Tunnel.ConnectTimeout = 10 * time.Second
				c.Tunnel.VerifyDelay = 3 * time.Second
			},
			wantErr: "tunnel.verify_delay (3s) must not be shorter than tunnel.connect_timeout (10s)",
		},
		{
			name:    "handoff without command",
			mutate:  func(c *utils.Config) { c.Handoff.Enabled = true },
			wantErr: "handoff.command is required",
		},
		{
			name:    "status without broker",
			mutate:  func(c *utils.Config) { c.Status.Enabled = true },
			wantErr: "status.broker and status.topic are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &utils.Config{}
			c.Tunnel.Host = "10.10.70.218"
			c.Tunnel.PrivateKeyPath = "/keys/id_ed25519"
			c.ApplyDefaults()
			require.NoError(t, c.Validate())

			tt.mutate(c)

			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
