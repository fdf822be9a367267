package wol

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wolfleet/wolfleet/internal/log"
)

// defaultSendTimeout bounds each UDP write attempt.
const defaultSendTimeout = 1 * time.Second

// Transmitter sends WoL magic packets. Sends are fire-and-forget: WoL is a
// connectionless, receipt-unconfirmed protocol, so no overall success signal
// is reported to the caller. Failures are logged and trigger the universal
// broadcast fallback.
type Transmitter struct {
	sendTimeout time.Duration
}

// NewTransmitter creates a transmitter. A non-positive timeout falls back to
// the 1s default.
func NewTransmitter(sendTimeout time.Duration) *Transmitter {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Transmitter{sendTimeout: sendTimeout}
}

// Send builds the magic packet for macAddr and transmits it to
// broadcastAddr:port. If the directed broadcast fails or reports a short
// write, it retries once against 255.255.255.255. Independently of either
// outcome, a best-effort secondary send via a plain connected UDP socket is
// also attempted against the universal broadcast address.
//
// An invalid MAC aborts the send with a logged warning; nothing is
// transmitted.
func (t *Transmitter) Send(macAddr, broadcastAddr string, port uint16) {
	mac, err := ParseMAC(macAddr)
	if err != nil {
		log.Warn("WoL send aborted, invalid MAC", "mac", macAddr, "error", err)
		return
	}
	packet := BuildMagicPacket(mac)

	if port == 0 {
		port = DefaultPort
	}

	if err := t.sendBroadcast(packet, broadcastAddr, port); err != nil {
		log.Warn("WoL directed broadcast failed, retrying universal broadcast",
			"mac", macAddr, "broadcast", broadcastAddr, "port", port, "error", err)
		if err := t.sendBroadcast(packet, UniversalBroadcast, port); err != nil {
			log.Error("WoL universal broadcast failed", "mac", macAddr, "port", port, "error", err)
		} else {
			log.Debug("WoL universal broadcast sent", "mac", macAddr, "port", port)
		}
	} else {
		log.Debug("WoL packet sent", "mac", macAddr, "broadcast", broadcastAddr, "port", port)
	}

	// Redundant secondary path via a connected UDP socket. Not gated on the
	// broadcast sends above.
	if err := t.sendDirect(packet, UniversalBroadcast, port); err != nil {
		log.Debug("WoL secondary send failed", "mac", macAddr, "port", port, "error", err)
	} else {
		log.Debug("WoL secondary send completed", "mac", macAddr, "port", port)
	}
}

// sendBroadcast transmits the packet on a broadcast-enabled UDP socket.
func (t *Transmitter) sendBroadcast(packet []byte, addr string, port uint16) error {
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(t.sendTimeout)); err != nil {
		return err
	}

	n, err := conn.WriteTo(packet, dst)
	if err != nil {
		return err
	}
	if n != len(packet) {
		return &shortWriteError{wrote: n, want: len(packet)}
	}
	return nil
}

// sendDirect transmits the packet over a plain connected UDP socket.
func (t *Transmitter) sendDirect(packet []byte, addr string, port uint16) error {
	conn, err := net.Dial("udp4", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(t.sendTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(packet)
	return err
}

// enableBroadcast sets SO_BROADCAST on the socket so sends to broadcast
// addresses are permitted.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return opErr
}

type shortWriteError struct {
	wrote, want int
}

func (e *shortWriteError) Error() string {
	return "short write: " + strconv.Itoa(e.wrote) + " of " + strconv.Itoa(e.want) + " bytes"
}
