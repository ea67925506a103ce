package sshtunnel

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func robotSpec() models.TunnelSpec {
	return models.TunnelSpec{
		Host:    "10.10.70.218",
		SSHPort: 2222,
		User:    "root",
		Forwards: []models.ForwardPair{
			{LocalPort: 1502, RemotePort: 502, RemoteHost: "localhost"},
			{LocalPort: 8866, RemotePort: 8800, RemoteHost: "localhost"},
		},
		KeepaliveInterval:  15 * time.Second,
		KeepaliveMaxMissed: 3,
		ConnectTimeout:     10 * time.Second,
	}
}

func TestExecLauncher_Args(t *testing.T) {
	l := NewExecLauncher("", "/etc/agent/id_ed25519", "/etc/agent/known_hosts", zerolog.Nop())

	args := l.Args(robotSpec())

	assert.Equal(t, "ssh", l.Binary)
	assert.Equal(t, []string{
		"-N",
		"-o", "BatchMode=yes",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=10",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=/etc/agent/known_hosts",
		"-i", "/etc/agent/id_ed25519",
		"-L", "1502:localhost:502",
		"-L", "8866:localhost:8800",
		"-p", "2222",
		"root@10.10.70.218",
	}, args)
}

func TestExecLauncher_ArgsWithoutHostKeyFile(t *testing.T) {
	l := NewExecLauncher("/usr/bin/ssh", "", "", zerolog.Nop())
	spec := robotSpec()
	spec.KeepaliveInterval = 0
	spec.KeepaliveMaxMissed = 0
	spec.ConnectTimeout = 0

	args := l.Args(spec)

	assert.Contains(t, args, "StrictHostKeyChecking=no")
	assert.Contains(t, args, "UserKnownHostsFile=/dev/null")
	assert.Contains(t, args, "ServerAliveInterval=15")
	assert.Contains(t, args, "ConnectTimeout=10")
	assert.NotContains(t, args, "-i")
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	l := NewExecLauncher("/nonexistent/ssh-binary", "", "", zerolog.Nop())

	conn, err := l.Launch(context.Background(), robotSpec())

	assert.Nil(t, conn)
	assert.Error(t, err)
}

func TestExecLauncher_CancelledContext(t *testing.T) {
	l := NewExecLauncher("ssh", "", "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn, err := l.Launch(ctx, robotSpec())

	assert.Nil(t, conn)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecLauncher_SubprocessExitClosesDone(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}
	l := NewExecLauncher(bin, "", "", zerolog.Nop())

	conn, err := l.Launch(context.Background(), robotSpec())
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess exit was not observed")
	}
	assert.Error(t, conn.Err())
	assert.NoError(t, conn.Close())
}

func TestExecLauncher_CloseTerminatesSubprocess(t *testing.T) {
	bin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available")
	}
	// sleep stands in for a long-running ssh process.
	cmd := exec.Command(bin, "30")
	setProcessGroup(cmd)
	require.NoError(t, cmd.Start())

	conn := &execConn{cmd: cmd, grace: time.Second, logger: zerolog.Nop(), done: make(chan struct{})}
	go conn.wait()

	assert.NoError(t, conn.Close())
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.True(t, errors.Is(conn.Err(), ErrConnectionClosed))
}
