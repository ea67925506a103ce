package services

import (
	"context"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/juju/retry"
)

// runWatchdog polls the tunnel until ctx is cancelled and relaunches it
// whenever a forwarded port is missing. It never gives up.
func (t *TunnelService) runWatchdog(ctx context.Context) {
	timer := t.Clock.NewTimer(t.PollInterval)
	defer timer.Stop()

	var failures int
	for {
		select {
		case <-ctx.Done():
			t.Logger.Info().Msg("Tunnel watchdog stopping gracefully")
			return
		case <-timer.Chan():
		}

		if t.CheckTunnel(ctx) == models.TunnelUp {
			if failures > 0 {
				t.Logger.Info().Int("failed_cycles", failures).Msg("Tunnel recovered")
			}
			failures = 0
			timer.Reset(t.PollInterval)
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		failures++
		t.repair(ctx, failures)
		timer.Reset(t.nextDelay(failures))
	}
}

// repair tears down the owned connection, frees the local ports and issues a
// relaunch. The result is confirmed by the next poll, not here.
func (t *TunnelService) repair(ctx context.Context, attempt int) {
	t.watchdogState.Store(int32(models.WatchdogRepairing))
	defer t.watchdogState.Store(int32(models.WatchdogMonitoring))

	target := t.Spec.String()
	t.Reporter.AnomalyDetected(target)
	t.Logger.Warn().Int("attempt", attempt).Msg("Tunnel anomaly detected, repairing")

	t.terminate()
	t.release(ctx)

	if err := t.sleep(ctx, t.SettleDelay); err != nil {
		return
	}

	if err := t.launch(ctx); err != nil {
		t.Logger.Error().Err(err).Int("attempt", attempt).Msg("Tunnel relaunch failed, retrying next cycle")
		return
	}

	t.repairs.Add(1)
	t.Reporter.RepairIssued(target, attempt)
	t.Logger.Info().Int("attempt", attempt).Msg("Tunnel relaunch issued")
}

// nextDelay is the poll delay after the given number of consecutive failed
// cycles: exponential from PollInterval up to MaxBackoff.
func (t *TunnelService) nextDelay(failures int) time.Duration {
	if t.MaxBackoff <= t.PollInterval || failures < 1 {
		return t.PollInterval
	}
	return retry.ExpBackoff(t.PollInterval, t.MaxBackoff, 2, false)(0, failures-1)
}
