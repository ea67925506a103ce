package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Agent struct {
		ID string `yaml:"id"` // Identifier reported in status messages
	} `yaml:"agent"`

	Logging struct {
		Level   string `yaml:"level"`   // zerolog level name (debug, info, warn, ...)
		Console bool   `yaml:"console"` // Human readable output instead of JSON
	} `yaml:"logging"`

	Tunnel struct {
		Host                string               `yaml:"host"`                   // Remote host running sshd
		SSHPort             int                  `yaml:"ssh_port"`               // Port of the remote sshd
		SSHUser             string               `yaml:"ssh_user"`               // SSH login user
		Mode                string               `yaml:"mode"`                   // native or exec
		SSHBinary           string               `yaml:"ssh_binary"`             // ssh client used in exec mode
		PrivateKeyPath      string               `yaml:"private_key_path"`       // Path to the agent's private key
		ServerPublicKeyPath string               `yaml:"server_public_key_path"` // Path to the server's public key
		KnownHostsPath      string               `yaml:"known_hosts_path"`       // known_hosts file used when no fixed key is given
		Forwards            []models.ForwardPair `yaml:"forwards"`               // Local to remote port mappings
		KeepaliveInterval   time.Duration        `yaml:"keepalive_interval"`     // Interval between keepalive probes
		KeepaliveMaxMissed  int                  `yaml:"keepalive_max_missed"`   // Missed keepalives before the link is dead
		ConnectTimeout      time.Duration        `yaml:"connect_timeout"`        // Timeout for establishing the SSH connection
		SettleDelay         time.Duration        `yaml:"settle_delay"`           // Wait after teardown before relaunch
		VerifyDelay         time.Duration        `yaml:"verify_delay"`           // Wait after launch before re-probing
	} `yaml:"tunnel"`

	Watchdog struct {
		PollInterval time.Duration `yaml:"poll_interval"` // Health check period
		MaxBackoff   time.Duration `yaml:"max_backoff"`   // Ceiling for the delay after failed cycles
		FreePorts    *bool         `yaml:"free_ports"`    // Kill foreign listeners on tunnel ports before repair
	} `yaml:"watchdog"`

	Handoff struct {
		Enabled      bool     `yaml:"enabled"`       // Launch the downstream process once the tunnel is up
		EnvFile      string   `yaml:"env_file"`      // Companion configuration file
		RequiredKeys []string `yaml:"required_keys"` // Keys that must be set in the env file
		Command      []string `yaml:"command"`       // Downstream command and arguments
		WorkDir      string   `yaml:"work_dir"`      // Working directory for the downstream process
	} `yaml:"handoff"`

	Status struct {
		Enabled       bool          `yaml:"enabled"`        // Enable/disable MQTT status publishing
		Broker        string        `yaml:"broker"`         // MQTT broker address
		ClientID      string        `yaml:"client_id"`      // MQTT client ID
		CACertificate string        `yaml:"ca_certificate"` // Path to the CA certificate, empty for plain TCP
		Topic         string        `yaml:"topic"`          // MQTT topic for status messages
		QOS           int           `yaml:"qos"`            // MQTT QoS level for status messages
		Interval      time.Duration `yaml:"interval"`       // Interval between status messages
	} `yaml:"status"`
}

// LoadConfig loads the YAML configuration from the specified file, fills in
// defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &config, nil
}

// ApplyDefaults replaces zero values with the defaults from the constants package.
func (c *Config) ApplyDefaults() {
	t := &c.Tunnel
	if t.SSHPort == 0 {
		t.SSHPort = constants.DefaultSSHPort
	}
	if t.SSHUser == "" {
		t.SSHUser = constants.DefaultSSHUser
	}
	if t.Mode == "" {
		t.Mode = constants.ModeNative
	}
	if t.SSHBinary == "" {
		t.SSHBinary = constants.DefaultSSHBinary
	}
	if len(t.Forwards) == 0 {
		t.Forwards = []models.ForwardPair{
			{LocalPort: 1502, RemotePort: 502},
			{LocalPort: 8866, RemotePort: 8800},
		}
	}
	for i := range t.Forwards {
		if t.Forwards[i].RemoteHost == "" {
			t.Forwards[i].RemoteHost = constants.DefaultRemoteHost
		}
	}
	if t.KeepaliveInterval == 0 {
		t.KeepaliveInterval = constants.KeepaliveInterval
	}
	if t.KeepaliveMaxMissed == 0 {
		t.KeepaliveMaxMissed = constants.KeepaliveMaxMissed
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = constants.ConnectionTimeout
	}
	if t.SettleDelay == 0 {
		t.SettleDelay = constants.SettleDelay
	}
	if t.VerifyDelay == 0 {
		t.VerifyDelay = constants.VerifyDelay
		// The ssh subprocess may still be handshaking until it times out.
		if t.Mode == constants.ModeExec && t.VerifyDelay < t.ConnectTimeout {
			t.VerifyDelay = t.ConnectTimeout
		}
	}

	if c.Watchdog.PollInterval == 0 {
		c.Watchdog.PollInterval = constants.PollInterval
	}
	if c.Watchdog.FreePorts == nil {
		freePorts := true
		c.Watchdog.FreePorts = &freePorts
	}

	if c.Handoff.EnvFile == "" {
		c.Handoff.EnvFile = constants.DefaultEnvFile
	}
	if c.Status.Interval == 0 {
		c.Status.Interval = constants.StatusInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports configuration that cannot produce a working tunnel.
func (c *Config) Validate() error {
	var errs []error

	if c.Tunnel.Host == "" {
		errs = append(errs, errors.New("tunnel.host is required"))
	}
	if c.Tunnel.Mode != constants.ModeNative && c.Tunnel.Mode != constants.ModeExec {
		errs = append(errs, fmt.Errorf("tunnel.mode must be %q or %q, got %q", constants.ModeNative, constants.ModeExec, c.Tunnel.Mode))
	}
	if c.Tunnel.Mode == constants.ModeNative && c.Tunnel.PrivateKeyPath == "" {
		errs = append(errs, errors.New("tunnel.private_key_path is required in native mode"))
	}
	if c.Tunnel.Mode == constants.ModeExec && c.Tunnel.VerifyDelay < c.Tunnel.ConnectTimeout {
		errs = append(errs, fmt.Errorf("tunnel.verify_delay (%s) must not be shorter than tunnel.connect_timeout (%s) in exec mode",
			c.Tunnel.VerifyDelay, c.Tunnel.ConnectTimeout))
	}

	seen := make(map[int]struct{}, len(c.Tunnel.Forwards))
	for _, f := range c.Tunnel.Forwards {
		if f.LocalPort <= 0 || f.LocalPort > 65535 || f.RemotePort <= 0 || f.RemotePort > 65535 {
			errs = append(errs, fmt.Errorf("tunnel.forwards: invalid pair %d->%d", f.LocalPort, f.RemotePort))
			continue
		}
		if _, dup := seen[f.LocalPort]; dup {
			errs = append(errs, fmt.Errorf("tunnel.forwards: local port %d used twice", f.LocalPort))
		}
		seen[f.LocalPort] = struct{}{}
	}

	if c.Handoff.Enabled && len(c.Handoff.Command) == 0 {
		errs = append(errs, errors.New("handoff.command is required when hand-off is enabled"))
	}
	if c.Status.Enabled && (c.Status.Broker == "" || c.Status.Topic == "") {
		errs = append(errs, errors.New("status.broker and status.topic are required when status is enabled"))
	}

	return errors.Join(errs...)
}

// TunnelSpec builds the immutable tunnel description from the configuration.
func (c *Config) TunnelSpec() models.TunnelSpec {
	forwards := make([]models.ForwardPair, len(c.Tunnel.Forwards))
	copy(forwards, c.Tunnel.Forwards)

	return models.TunnelSpec{
		Host:               c.Tunnel.Host,
		SSHPort:            c.Tunnel.SSHPort,
		User:               c.Tunnel.SSHUser,
		Forwards:           forwards,
		KeepaliveInterval:  c.Tunnel.KeepaliveInterval,
		KeepaliveMaxMissed: c.Tunnel.KeepaliveMaxMissed,
		ConnectTimeout:     c.Tunnel.ConnectTimeout,
	}
}
