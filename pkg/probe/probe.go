package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/net"
)

// statusListen is how gopsutil reports a TCP socket in the LISTEN state.
const statusListen = "LISTEN"

// Prober answers whether a local TCP port currently has a listener bound.
// Probes never mutate anything.
type Prober interface {
	IsListening(ctx context.Context, port int) (bool, error)
}

// ListenerTableProber inspects the kernel's TCP listener table.
type ListenerTableProber struct{}

// NewListenerTableProber creates a prober backed by the OS connection table.
func NewListenerTableProber() *ListenerTableProber {
	return &ListenerTableProber{}
}

// IsListening reports whether any socket is in LISTEN state on port.
func (p *ListenerTableProber) IsListening(ctx context.Context, port int) (bool, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return false, fmt.Errorf("failed to read listener table: %w", err)
	}

	for _, c := range conns {
		if c.Status == statusListen && int(c.Laddr.Port) == port {
			return true, nil
		}
	}
	return false, nil
}

// DialProber checks a port by opening a TCP connection on the loopback interface.
type DialProber struct {
	Host    string
	Timeout time.Duration
}

// NewDialProber creates a loopback dial prober.
func NewDialProber(timeout time.Duration) *DialProber {
	return &DialProber{Host: "127.0.0.1", Timeout: timeout}
}

// IsListening reports whether a connection to the port is accepted.
func (p *DialProber) IsListening(ctx context.Context, port int) (bool, error) {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)))
	if err != nil {
		// Only a refused connection is a definite answer. Timeouts and other
		// dial errors leave the question open.
		if errors.Is(err, syscall.ECONNREFUSED) {
			return false, nil
		}
		return false, fmt.Errorf("failed to dial port %d: %w", port, err)
	}
	_ = conn.Close()
	return true, nil
}

// AnyProber combines several probing methods. A port counts as listening as
// soon as one method says so; one method failing is not fatal.
type AnyProber struct {
	probers []Prober
}

// NewAnyProber combines the given probers in order.
func NewAnyProber(probers ...Prober) *AnyProber {
	return &AnyProber{probers: probers}
}

// NewDefaultProber returns the listener table prober backed up by a loopback dial.
func NewDefaultProber(dialTimeout time.Duration) *AnyProber {
	return NewAnyProber(NewListenerTableProber(), NewDialProber(dialTimeout))
}

// IsListening returns true if any prober reports a listener. When none does,
// the error is non-nil only if every prober failed.
func (a *AnyProber) IsListening(ctx context.Context, port int) (bool, error) {
	var errs []error
	for _, p := range a.probers {
		ok, err := p.IsListening(ctx, port)
		if ok {
			return true, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == len(a.probers) && len(errs) > 0 {
		return false, fmt.Errorf("all probes failed for port %d: %w", port, errors.Join(errs...))
	}
	return false, nil
}
