package sshtunnel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/rs/zerolog"
)

// ExecLauncher runs the tunnel as an owned `ssh -N` subprocess in its own
// process group. Termination only ever targets that process group.
type ExecLauncher struct {
	Binary         string
	PrivateKeyPath string
	KnownHostsPath string
	// StrictHostKeys keeps ssh's host key checking on. When false the remote
	// key is accepted without being recorded.
	StrictHostKeys bool
	GracePeriod    time.Duration
	Logger         zerolog.Logger
}

// NewExecLauncher creates a launcher that runs binary (usually "ssh").
func NewExecLauncher(binary, privateKeyPath, knownHostsPath string, logger zerolog.Logger) *ExecLauncher {
	if binary == "" {
		binary = constants.DefaultSSHBinary
	}
	return &ExecLauncher{
		Binary:         binary,
		PrivateKeyPath: privateKeyPath,
		KnownHostsPath: knownHostsPath,
		StrictHostKeys: knownHostsPath != "",
		GracePeriod:    constants.StopGracePeriod,
		Logger:         logger,
	}
}

// Args builds the ssh argument list for spec.
func (l *ExecLauncher) Args(spec models.TunnelSpec) []string {
	keepalive := int(spec.KeepaliveInterval / time.Second)
	if keepalive <= 0 {
		keepalive = int(constants.KeepaliveInterval / time.Second)
	}
	maxMissed := spec.KeepaliveMaxMissed
	if maxMissed <= 0 {
		maxMissed = constants.KeepaliveMaxMissed
	}
	connectTimeout := int(spec.ConnectTimeout / time.Second)
	if connectTimeout <= 0 {
		connectTimeout = int(constants.ConnectionTimeout / time.Second)
	}

	args := []string{
		"-N",
		"-o", "BatchMode=yes",
		"-o", "ServerAliveInterval=" + strconv.Itoa(keepalive),
		"-o", "ServerAliveCountMax=" + strconv.Itoa(maxMissed),
		"-o", "ConnectTimeout=" + strconv.Itoa(connectTimeout),
		"-o", "ExitOnForwardFailure=yes",
	}

	if l.StrictHostKeys {
		args = append(args, "-o", "StrictHostKeyChecking=yes")
		if l.KnownHostsPath != "" {
			args = append(args, "-o", "UserKnownHostsFile="+l.KnownHostsPath)
		}
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}

	if l.PrivateKeyPath != "" {
		args = append(args, "-i", l.PrivateKeyPath)
	}
	for _, f := range spec.Forwards {
		args = append(args, "-L", f.LocalSpec())
	}

	return append(args, "-p", strconv.Itoa(spec.SSHPort), spec.User+"@"+spec.Host)
}

// Launch starts the ssh subprocess. ssh itself enforces the forward failure
// policy: it exits if any -L cannot be bound, which the next probe observes.
func (l *ExecLauncher) Launch(ctx context.Context, spec models.TunnelSpec) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := l.Args(spec)
	// Not CommandContext: the subprocess must outlive the launching call.
	cmd := exec.Command(l.Binary, args...)
	setProcessGroup(cmd)

	conn := &execConn{
		cmd:    cmd,
		grace:  l.GracePeriod,
		logger: l.Logger.With().Str("tunnel", spec.String()).Logger(),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &conn.stderr

	l.Logger.Debug().Str("command", l.Binary+" "+strings.Join(args, " ")).Msg("Starting ssh subprocess")
	if err := cmd.Start(); err != nil {
		l.Logger.Error().Err(err).Str("binary", l.Binary).Msg("Failed to start ssh subprocess")
		return nil, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}

	conn.logger.Info().Int("pid", cmd.Process.Pid).Msg("ssh subprocess started")
	go conn.wait()
	return conn, nil
}

type execConn struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger zerolog.Logger
	stderr lockedBuffer

	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (c *execConn) Done() <-chan struct{} {
	return c.done
}

func (c *execConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *execConn) wait() {
	err := c.cmd.Wait()

	c.mu.Lock()
	if c.err == nil {
		if err == nil {
			err = fmt.Errorf("ssh exited")
		}
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		c.err = err
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("ssh subprocess exited")
	close(c.done)
}

// Close sends SIGTERM to the subprocess group and escalates to SIGKILL after
// the grace period.
func (c *execConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = ErrConnectionClosed
	}
	c.mu.Unlock()

	if err := terminateProcess(c.cmd.Process); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to signal ssh subprocess")
	}

	select {
	case <-c.done:
	case <-time.After(c.grace):
		c.logger.Warn().Int("pid", c.cmd.Process.Pid).Msg("ssh did not stop gracefully, force killing")
		_ = killProcess(c.cmd.Process)
		<-c.done
	}
	return nil
}

// lockedBuffer collects subprocess stderr; exec writes to it from its own goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
