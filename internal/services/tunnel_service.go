package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/benmeehan/tunnel-agent/pkg/probe"
	"github.com/benmeehan/tunnel-agent/pkg/sshtunnel"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

var (
	// ErrEstablishFailed is returned when a launched tunnel does not come up.
	ErrEstablishFailed = errors.New("failed to establish tunnel")

	// ErrWatchdogRunning is returned by StartWatchdog when this service
	// already has a watchdog running.
	ErrWatchdogRunning = errors.New("tunnel watchdog is already running")
)

// TunnelService keeps the forwarded ports of one remote host alive. It owns
// the running connection and at most one watchdog goroutine.
type TunnelService struct {
	AgentID  string
	Spec     models.TunnelSpec
	Prober   probe.Prober
	Launcher sshtunnel.Launcher
	// Releaser frees ports held by other processes before a relaunch. Nil
	// disables port freeing.
	Releaser probe.PortReleaser
	Reporter console.Reporter
	Clock    clock.Clock
	Logger   zerolog.Logger

	SettleDelay  time.Duration
	VerifyDelay  time.Duration
	PollInterval time.Duration
	// MaxBackoff caps the poll delay after consecutive failed repairs. A value
	// not above PollInterval keeps the delay fixed.
	MaxBackoff time.Duration

	connMu sync.Mutex
	conn   sshtunnel.Connection

	watchdogMu sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	watchdogState atomic.Int32
	repairs       atomic.Int64
}

// NewTunnelService initializes a new TunnelService. Zero durations are
// replaced by the package defaults.
func NewTunnelService(agentID string, spec models.TunnelSpec, prober probe.Prober, launcher sshtunnel.Launcher,
	releaser probe.PortReleaser, reporter console.Reporter, settleDelay, verifyDelay, pollInterval, maxBackoff time.Duration,
	logger zerolog.Logger) *TunnelService {

	if settleDelay == 0 {
		settleDelay = constants.SettleDelay
	}
	if verifyDelay == 0 {
		verifyDelay = constants.VerifyDelay
	}
	if pollInterval == 0 {
		pollInterval = constants.PollInterval
	}

	return &TunnelService{
		AgentID:      agentID,
		Spec:         spec,
		Prober:       prober,
		Launcher:     launcher,
		Releaser:     releaser,
		Reporter:     reporter,
		Clock:        clock.WallClock,
		Logger:       logger.With().Str("tunnel", spec.String()).Logger(),
		SettleDelay:  settleDelay,
		VerifyDelay:  verifyDelay,
		PollInterval: pollInterval,
		MaxBackoff:   maxBackoff,
	}
}

// Start runs the startup sequence: if every forwarded port is already
// listening the watchdog is started, otherwise one establish attempt is made.
// A failed attempt is returned to the caller and not retried.
func (t *TunnelService) Start() error {
	ctx := context.Background()
	target := t.Spec.String()

	if t.CheckTunnel(ctx) == models.TunnelUp {
		t.Reporter.AlreadyUp(target)
		t.Logger.Info().Msg("Tunnel already up")
		return t.StartWatchdog()
	}

	if _, err := t.EstablishTunnel(ctx); err != nil {
		t.Reporter.EstablishFailed(target, err)
		return err
	}
	t.Reporter.Established(target)
	return nil
}

// Stop cancels the watchdog, waits for it and closes the owned connection.
func (t *TunnelService) Stop() error {
	t.watchdogMu.Lock()
	cancel := t.cancel
	t.ctx = nil
	t.cancel = nil
	t.watchdogMu.Unlock()

	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
	t.watchdogState.Store(int32(models.WatchdogIdle))

	t.terminate()
	t.Logger.Info().Msg("TunnelService stopped successfully")
	return nil
}

// CheckTunnel reports Up only if every forwarded local port has a listener.
// An inconclusive probe counts as not listening.
func (t *TunnelService) CheckTunnel(ctx context.Context) models.TunnelState {
	for _, port := range t.Spec.LocalPorts() {
		listening, err := t.Prober.IsListening(ctx, port)
		if err != nil {
			t.Logger.Debug().Err(err).Int("port", port).Msg("Port probe inconclusive")
		}
		if !listening {
			t.Logger.Debug().Int("port", port).Msg("Forwarded port not listening")
			return models.TunnelDown
		}
	}
	return models.TunnelUp
}

// EstablishTunnel terminates the owned connection, frees the forwarded ports,
// relaunches and verifies the result. It is safe to call in any state. On
// success the watchdog is started if it is not running yet; on failure the
// launched connection is closed again.
func (t *TunnelService) EstablishTunnel(ctx context.Context) (models.TunnelState, error) {
	t.Logger.Info().Msg("Establishing tunnel")

	t.terminate()
	t.release(ctx)
	if err := t.sleep(ctx, t.SettleDelay); err != nil {
		return models.TunnelDown, fmt.Errorf("%w: %w", ErrEstablishFailed, err)
	}

	if err := t.launch(ctx); err != nil {
		t.Logger.Error().Err(err).Msg("Failed to launch tunnel connection")
		return models.TunnelDown, fmt.Errorf("%w: %w", ErrEstablishFailed, err)
	}

	if err := t.sleep(ctx, t.VerifyDelay); err != nil {
		t.terminate()
		return models.TunnelDown, fmt.Errorf("%w: %w", ErrEstablishFailed, err)
	}

	if t.CheckTunnel(ctx) != models.TunnelUp {
		t.terminate()
		t.Logger.Error().Ints("ports", t.Spec.LocalPorts()).Msg("Forwarded ports not listening after launch")
		return models.TunnelDown, fmt.Errorf("%w: ports %v not listening after %s", ErrEstablishFailed, t.Spec.LocalPorts(), t.VerifyDelay)
	}

	t.Logger.Info().Msg("Tunnel established")
	if err := t.StartWatchdog(); err != nil {
		t.Logger.Debug().Err(err).Msg("Watchdog not started")
	}
	return models.TunnelUp, nil
}

// StartWatchdog starts the background watchdog. A second call while it runs
// returns ErrWatchdogRunning and spawns nothing.
func (t *TunnelService) StartWatchdog() error {
	t.watchdogMu.Lock()
	defer t.watchdogMu.Unlock()

	if t.ctx != nil {
		t.Logger.Warn().Msg("Tunnel watchdog is already running")
		return ErrWatchdogRunning
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.watchdogState.Store(int32(models.WatchdogMonitoring))

	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runWatchdog(ctx)
	}()

	t.Logger.Info().Dur("poll_interval", t.PollInterval).Msg("Tunnel watchdog started")
	return nil
}

// WatchdogState reports what the watchdog is currently doing.
func (t *TunnelService) WatchdogState() models.WatchdogState {
	return models.WatchdogState(t.watchdogState.Load())
}

// Repairs reports how many relaunches the watchdog has issued.
func (t *TunnelService) Repairs() int64 {
	return t.repairs.Load()
}

// Status builds a snapshot of the tunnel's health.
func (t *TunnelService) Status(ctx context.Context) models.TunnelStatus {
	return models.TunnelStatus{
		AgentID:       t.AgentID,
		Host:          t.Spec.Host,
		State:         t.CheckTunnel(ctx),
		WatchdogState: t.WatchdogState(),
		Repairs:       t.Repairs(),
		Timestamp:     t.Clock.Now(),
	}
}

// launch starts a new connection and takes ownership of it.
func (t *TunnelService) launch(ctx context.Context) error {
	conn, err := t.Launcher.Launch(ctx, t.Spec)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	previous := t.conn
	t.conn = conn
	t.connMu.Unlock()

	// An establish and a repair may interleave; never leak the loser.
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// terminate closes the owned connection, if any. Errors are only logged.
func (t *TunnelService) terminate() {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		t.Logger.Debug().Err(err).Msg("Error closing tunnel connection")
	}
}

// release frees the forwarded ports from listeners left behind by other
// processes, such as a crashed earlier run. Failures are only logged.
func (t *TunnelService) release(ctx context.Context) {
	if t.Releaser == nil {
		return
	}
	if err := t.Releaser.Release(ctx, t.Spec.LocalPorts()...); err != nil {
		t.Logger.Debug().Err(err).Msg("Failed to free forwarded ports")
	}
}

func (t *TunnelService) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Clock.After(d):
		return nil
	}
}
