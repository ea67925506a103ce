package constants

import "time"

const (
	// KeepaliveInterval is how often the SSH connection is probed for liveness.
	KeepaliveInterval = 15 * time.Second

	// KeepaliveMaxMissed is the number of consecutive unanswered keepalives
	// after which the connection is considered dead.
	KeepaliveMaxMissed = 3

	// ConnectionTimeout bounds the initial SSH dial and handshake.
	ConnectionTimeout = 10 * time.Second

	// SettleDelay gives the OS time to release local ports after a teardown.
	SettleDelay = 1 * time.Second

	// VerifyDelay is how long establish waits after launching before re-probing.
	VerifyDelay = 3 * time.Second

	// PollInterval is the watchdog's health check period.
	PollInterval = 5 * time.Second

	// ProbeTimeout bounds a single loopback dial probe.
	ProbeTimeout = 500 * time.Millisecond

	// StopGracePeriod is how long an ssh subprocess gets to exit after SIGTERM.
	StopGracePeriod = 3 * time.Second

	// DefaultSSHPort is used when the config omits the SSH port.
	DefaultSSHPort = 22

	// DefaultSSHUser is used when the config omits the SSH user.
	DefaultSSHUser = "root"

	// DefaultSSHBinary is the client executed by the exec launcher.
	DefaultSSHBinary = "ssh"

	// DefaultRemoteHost is the forward target as resolved on the remote side.
	DefaultRemoteHost = "localhost"
)

// Launcher modes.
const (
	ModeNative = "native"
	ModeExec   = "exec"
)
