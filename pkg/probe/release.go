package probe

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	psnet "github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"
)

// PortReleaser frees local ports that are still held by a listener.
// Releasing is best-effort: callers re-probe afterwards.
type PortReleaser interface {
	Release(ctx context.Context, ports ...int) error
}

// ProcessPortReleaser kills foreign processes listening on the given ports.
// The agent's own process is never signalled.
type ProcessPortReleaser struct {
	Logger  zerolog.Logger
	selfPID int32
}

// NewProcessPortReleaser creates a releaser that skips the calling process.
func NewProcessPortReleaser(logger zerolog.Logger) *ProcessPortReleaser {
	return &ProcessPortReleaser{
		Logger:  logger,
		selfPID: int32(os.Getpid()),
	}
}

// Release kills every other process listening on one of ports. Individual
// kill failures are logged and skipped; only a failure to read the listener
// table is returned.
func (r *ProcessPortReleaser) Release(ctx context.Context, ports ...int) error {
	if len(ports) == 0 {
		return nil
	}

	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return err
	}

	targets := sliceToSet(ports)
	killed := make(map[int32]struct{})

	for _, c := range conns {
		if c.Status != statusListen || c.Pid <= 0 || c.Pid == r.selfPID {
			continue
		}
		if _, ok := targets[int(c.Laddr.Port)]; !ok {
			continue
		}
		if _, done := killed[c.Pid]; done {
			continue
		}

		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			r.Logger.Debug().Err(err).Int32("pid", c.Pid).Msg("Listener process already gone")
			continue
		}
		if err := proc.KillWithContext(ctx); err != nil {
			r.Logger.Warn().Err(err).Int32("pid", c.Pid).Uint32("port", c.Laddr.Port).Msg("Failed to kill process holding tunnel port")
			continue
		}
		killed[c.Pid] = struct{}{}
		r.Logger.Info().Int32("pid", c.Pid).Uint32("port", c.Laddr.Port).Msg("Killed process holding tunnel port")
	}
	return nil
}

// sliceToSet converts a slice of any comparable type to a set represented by a map[T]struct{}.
func sliceToSet[T comparable](slice []T) map[T]struct{} {
	set := make(map[T]struct{}, len(slice))
	for _, item := range slice {
		set[item] = struct{}{}
	}
	return set
}
