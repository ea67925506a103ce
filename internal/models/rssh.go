package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TunnelSpec is the static description of one SSH tunnel. It is built once at
// startup and never mutated.
type TunnelSpec struct {
	Host               string        // Remote host address
	SSHPort            int           // Port of the remote sshd (22, 2222, ...)
	User               string        // SSH login user
	Forwards           []ForwardPair // Local to remote port mappings
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int
	ConnectTimeout     time.Duration
}

// Address returns host:port of the remote sshd.
func (s TunnelSpec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.SSHPort))
}

// LocalPorts lists the local side of every forward, in configuration order.
func (s TunnelSpec) LocalPorts() []int {
	ports := make([]int, 0, len(s.Forwards))
	for _, f := range s.Forwards {
		ports = append(ports, f.LocalPort)
	}
	return ports
}

// String identifies the tunnel in logs.
func (s TunnelSpec) String() string {
	return fmt.Sprintf("%s@%s", s.User, s.Address())
}

// TunnelState is derived on demand from the listener table and never stored.
type TunnelState int

const (
	TunnelDown TunnelState = iota
	TunnelUp
)

func (s TunnelState) String() string {
	if s == TunnelUp {
		return "up"
	}
	return "down"
}

// MarshalText lets the state appear as a string in JSON status payloads.
func (s TunnelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WatchdogState is the phase of the self-heal loop.
type WatchdogState int

const (
	WatchdogIdle WatchdogState = iota
	WatchdogMonitoring
	WatchdogRepairing
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogMonitoring:
		return "monitoring"
	case WatchdogRepairing:
		return "repairing"
	default:
		return "idle"
	}
}

func (s WatchdogState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
