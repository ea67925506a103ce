package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// NativeLauncher runs the tunnel in-process with an SSH client: it binds the
// local ports itself and opens a direct-tcpip channel per accepted connection.
type NativeLauncher struct {
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	BindHost        string
	Logger          zerolog.Logger
}

// NewNativeLauncher creates a launcher binding forwards on 127.0.0.1.
func NewNativeLauncher(signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback, logger zerolog.Logger) *NativeLauncher {
	return &NativeLauncher{
		Signer:          signer,
		HostKeyCallback: hostKeyCallback,
		BindHost:        "127.0.0.1",
		Logger:          logger,
	}
}

// Launch dials the remote sshd and binds every forward. If any local port
// cannot be bound, everything is torn down and ErrForwardFailed is returned.
func (l *NativeLauncher) Launch(ctx context.Context, spec models.TunnelSpec) (Connection, error) {
	client, err := l.dial(ctx, spec)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(spec.Forwards))
	for _, f := range spec.Forwards {
		ln, err := net.Listen("tcp", net.JoinHostPort(l.BindHost, strconv.Itoa(f.LocalPort)))
		if err != nil {
			for _, bound := range listeners {
				bound.Close()
			}
			client.Close()
			l.Logger.Error().Err(err).Int("local_port", f.LocalPort).Msg("Failed to bind forward, aborting connection")
			return nil, fmt.Errorf("%w: local port %d: %v", ErrForwardFailed, f.LocalPort, err)
		}
		listeners = append(listeners, ln)
	}

	conn := &nativeConn{
		client:    client,
		listeners: listeners,
		logger:    l.Logger.With().Str("tunnel", spec.String()).Logger(),
		done:      make(chan struct{}),
	}

	for i, f := range spec.Forwards {
		target := net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
		conn.wg.Add(1)
		go conn.acceptConnections(listeners[i], f.LocalPort, target)

		conn.logger.Info().
			Int("local_port", f.LocalPort).
			Str("target", target).
			Msg("Port forwarding started")
	}

	conn.wg.Add(2)
	go conn.keepalive(spec.KeepaliveInterval, spec.KeepaliveMaxMissed)
	go conn.waitUntilDisconnected()

	return conn, nil
}

// dial opens the SSH connection, bounding both the TCP dial and the handshake
// by the connect timeout.
func (l *NativeLauncher) dial(ctx context.Context, spec models.TunnelSpec) (*ssh.Client, error) {
	timeout := spec.ConnectTimeout
	if timeout == 0 {
		timeout = constants.ConnectionTimeout
	}

	config := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(l.Signer)},
		HostKeyCallback: l.HostKeyCallback,
		Timeout:         timeout,
	}

	addr := spec.Address()
	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		l.Logger.Error().Err(err).Str("server_addr", addr).Msg("Failed to establish SSH connection")
		return nil, fmt.Errorf("failed to establish SSH connection: %w", err)
	}

	_ = tcpConn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, config)
	if err != nil {
		tcpConn.Close()
		l.Logger.Error().Err(err).Str("server_addr", addr).Msg("SSH handshake failed")
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	l.Logger.Debug().Str("server_addr", addr).Msg("SSH connection established")
	return ssh.NewClient(c, chans, reqs), nil
}

type nativeConn struct {
	client    *ssh.Client
	listeners []net.Listener
	logger    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	wg        sync.WaitGroup
}

func (c *nativeConn) Done() <-chan struct{} {
	return c.done
}

func (c *nativeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down and waits for its accept loops to exit.
func (c *nativeConn) Close() error {
	c.shutdown(ErrConnectionClosed)
	c.wg.Wait()
	return nil
}

// shutdown records the first termination cause and releases every resource.
func (c *nativeConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		for _, ln := range c.listeners {
			ln.Close()
		}
		c.client.Close()
		close(c.done)

		c.logger.Debug().AnErr("cause", cause).Msg("Tunnel connection shut down")
	})
}

// waitUntilDisconnected ends the connection when the SSH transport drops.
func (c *nativeConn) waitUntilDisconnected() {
	defer c.wg.Done()

	err := c.client.Wait()
	select {
	case <-c.done:
		return
	default:
	}
	if err == nil {
		err = io.EOF
	}
	c.logger.Error().Err(err).Msg("SSH client disconnected")
	c.shutdown(fmt.Errorf("ssh transport closed: %w", err))
}

// keepalive probes the server every interval and gives up after maxMissed
// consecutive failures. A reply of any kind counts as alive.
func (c *nativeConn) keepalive(interval time.Duration, maxMissed int) {
	defer c.wg.Done()

	if interval <= 0 {
		interval = constants.KeepaliveInterval
	}
	if maxMissed <= 0 {
		maxMissed = constants.KeepaliveMaxMissed
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendKeepalive(interval); err != nil {
				missed++
				c.logger.Warn().Err(err).Int("missed", missed).Int("max_missed", maxMissed).Msg("Keepalive not answered")
				if missed >= maxMissed {
					c.shutdown(fmt.Errorf("%w after %d missed keepalives", ErrKeepaliveTimeout, missed))
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// sendKeepalive waits at most timeout for the server's reply.
func (c *nativeConn) sendKeepalive(timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return errors.New("keepalive reply timed out")
	case <-c.done:
		return nil
	}
}

// acceptConnections forwards every connection accepted on ln to target through
// the SSH client. A listener failing outside of shutdown kills the connection
// so the port disappears and the watchdog notices.
func (c *nativeConn) acceptConnections(ln net.Listener, localPort int, target string) {
	defer c.wg.Done()

	for {
		local, err := ln.Accept()
		if err != nil {
			select {
			case <-c.done:
				c.logger.Debug().Int("local_port", localPort).Msg("Stopping acceptConnections due to shutdown")
			default:
				c.logger.Error().Err(err).Int("local_port", localPort).Msg("Listener accept failed")
				c.shutdown(fmt.Errorf("listener on port %d failed: %w", localPort, err))
			}
			return
		}

		go c.forwardConnection(local, localPort, target)
	}
}

// forwardConnection copies data between a local client and the remote target.
func (c *nativeConn) forwardConnection(local net.Conn, localPort int, target string) {
	defer local.Close()

	remote, err := c.client.Dial("tcp", target)
	if err != nil {
		c.logger.Error().Err(err).Int("local_port", localPort).Str("target", target).Msg("Failed to open forwarded channel")
		return
	}
	defer remote.Close()

	c.logger.Debug().Int("local_port", localPort).Str("target", target).Msg("Forwarding connection established")

	var wg sync.WaitGroup
	wg.Add(2)

	copyFunc := func(dst net.Conn, src net.Conn, name string) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug().Err(err).Str("direction", name).Msg("Error during copy")
		}
		// Unblock the opposite direction.
		dst.Close()
		src.Close()
	}

	go copyFunc(remote, local, "local→remote")
	go copyFunc(local, remote, "remote→local")

	wg.Wait()
	c.logger.Debug().Int("local_port", localPort).Str("target", target).Msg("Finished forwarding connection")
}
