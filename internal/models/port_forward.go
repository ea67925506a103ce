package models

import "fmt"

// ForwardPair maps a local port on the agent to a port reachable from the remote host.
type ForwardPair struct {
	LocalPort  int    `yaml:"local_port" json:"lport"`             // Port bound on the agent
	RemotePort int    `yaml:"remote_port" json:"rport"`            // Port on the remote side
	RemoteHost string `yaml:"remote_host" json:"rhost,omitempty"` // Target host as resolved by the remote end
}

// LocalSpec renders the pair in ssh -L form (lport:rhost:rport).
func (p ForwardPair) LocalSpec() string {
	return fmt.Sprintf("%d:%s:%d", p.LocalPort, p.RemoteHost, p.RemotePort)
}
