package probe

import (
	"context"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPPinger checks liveness with an ICMP echo request. It requires raw
// socket privileges; callers without them should stick to the TCP prober.
type ICMPPinger struct {
	timeout time.Duration
}

// NewICMPPinger creates an ICMP pinger with the given per-host timeout.
func NewICMPPinger(timeout time.Duration) *ICMPPinger {
	if timeout <= 0 {
		timeout = ShortTimeout
	}
	return &ICMPPinger{timeout: timeout}
}

// Ping sends one echo request to ip and waits for the reply.
// Returns (alive, rtt).
func (p *ICMPPinger) Ping(ctx context.Context, ip string) (bool, time.Duration) {
	start := time.Now()

	message := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("wolfleet-ping"),
		},
	}

	data, err := message.Marshal(nil)
	if err != nil {
		return false, 0
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false, 0
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, 0
	}

	dst := &net.IPAddr{IP: net.ParseIP(ip)}
	if _, err := conn.WriteTo(data, dst); err != nil {
		return false, 0
	}

	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return false, 0
	}

	rtt := time.Since(start)

	rm, err := icmp.ParseMessage(1, reply[:n])
	if err != nil {
		return false, 0
	}

	if rm.Type == ipv4.ICMPTypeEchoReply {
		return true, rtt
	}
	return false, 0
}
