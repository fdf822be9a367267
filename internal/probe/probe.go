package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	// ShortTimeout is the profile used for routine fleet status checks.
	ShortTimeout = 2 * time.Second
	// LongTimeout is the profile used by the wake verification loop.
	LongTimeout = 5 * time.Second
)

// Prober tests whether a host accepts connections on a port. Implementations
// resolve exactly once per call: true the moment the attempt succeeds, false
// on failure, cancellation, or when timeout elapses.
type Prober interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// TCPProber probes reachability with a bare TCP connection attempt. No
// payload is exchanged; the connection is closed as soon as it is ready.
type TCPProber struct{}

// NewTCPProber creates a TCP connect prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

// Probe attempts a TCP connection to host:port. A timeout or an explicit
// connection failure both resolve false; the attempt is abandoned once the
// deadline or the context expires.
func (p *TCPProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = ShortTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
