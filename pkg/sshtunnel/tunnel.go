// Package sshtunnel launches SSH local port forwards and hands back an owned
// handle to the running connection.
package sshtunnel

import (
	"context"
	"errors"

	"github.com/benmeehan/tunnel-agent/internal/models"
)

var (
	// ErrForwardFailed is returned when any requested forward cannot be bound.
	// No partial forwarding is left running.
	ErrForwardFailed = errors.New("port forward failed")

	// ErrKeepaliveTimeout marks a connection torn down after too many missed keepalives.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")

	// ErrConnectionClosed marks a connection closed by its owner.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is an owned handle to one running tunnel connection.
type Connection interface {
	// Done is closed once the connection has terminated for any reason.
	Done() <-chan struct{}
	// Err reports why the connection terminated; nil while it is running.
	Err() error
	// Close terminates the connection and releases its local ports.
	Close() error
}

// Launcher starts a tunnel connection for a spec. Launch returns once the
// connection has been started; callers verify forwarding by probing.
type Launcher interface {
	Launch(ctx context.Context, spec models.TunnelSpec) (Connection, error)
}
