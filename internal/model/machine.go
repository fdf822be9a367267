package model

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrInvalidMACFormat indicates a MAC address that does not normalize to
	// 12 hexadecimal characters.
	ErrInvalidMACFormat = errors.New("invalid MAC address format")

	// ErrInvalidAddress indicates a malformed dotted-quad IPv4 address or mask.
	ErrInvalidAddress = errors.New("invalid IPv4 address")

	// ErrBroadcastMismatch indicates a broadcast address that does not match
	// the address/mask pair.
	ErrBroadcastMismatch = errors.New("broadcast address does not match address and mask")

	// ErrInvalidPort indicates a port outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")
)

// Machine represents a registered machine that can be woken and probed.
type Machine struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	MACAddress       string    `json:"mac_address"`
	IPv4Address      string    `json:"ipv4_address"`
	Mask             string    `json:"mask"`
	BroadcastAddress string    `json:"broadcast_address"`
	PingPort         int       `json:"ping_port"`
	SNMPCommunity    string    `json:"snmp_community,omitempty"`
	Tags             []string  `json:"tags"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MachineFilter holds filter criteria for listing machines
type MachineFilter struct {
	Tags []string // Filter by tags (OR logic)
}

// MachineStatus is the live reachability view of one machine, maintained by
// the fleet poller. Entries are keyed by machine ID, not IP.
type MachineStatus struct {
	MachineID          string     `json:"machine_id"`
	LastKnownReachable bool       `json:"last_known_reachable"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
	Checking           bool       `json:"checking"`
	SNMPUptime         string     `json:"snmp_uptime,omitempty"`
}

// WakeSchedule is a recurring wake request driven by a cron expression.
type WakeSchedule struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PollIntervals are the poll interval presets offered to the UI and API.
var PollIntervals = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1800 * time.Second,
}

// ValidPollInterval reports whether d is one of the offered presets.
func ValidPollInterval(d time.Duration) bool {
	for _, p := range PollIntervals {
		if d == p {
			return true
		}
	}
	return false
}

// ComputeBroadcast derives the directed broadcast address for an
// address/mask pair: (ip AND mask) OR (NOT mask), bytewise.
func ComputeBroadcast(ip, mask string) (string, error) {
	ipAddr := net.ParseIP(ip)
	maskAddr := net.ParseIP(mask)
	if ipAddr == nil || maskAddr == nil {
		return "", ErrInvalidAddress
	}
	ip4 := ipAddr.To4()
	mask4 := maskAddr.To4()
	if ip4 == nil || mask4 == nil {
		return "", ErrInvalidAddress
	}

	bcast := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		bcast[i] = (ip4[i] & mask4[i]) | ^mask4[i]
	}
	return bcast.String(), nil
}

// ValidateBroadcast checks that broadcast equals the value derived from
// ip and mask. All three must be well-formed dotted quads.
func ValidateBroadcast(ip, mask, broadcast string) error {
	want, err := ComputeBroadcast(ip, mask)
	if err != nil {
		return err
	}
	got := net.ParseIP(broadcast)
	if got == nil || got.To4() == nil {
		return ErrInvalidAddress
	}
	if got.To4().String() != want {
		return fmt.Errorf("%w: got %s, want %s", ErrBroadcastMismatch, broadcast, want)
	}
	return nil
}

// Validate checks a machine record before it is persisted. The broadcast
// invariant is enforced only when address, mask and broadcast are all set.
func (m *Machine) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.PingPort < 1 || m.PingPort > 65535 {
		return fmt.Errorf("%w: ping port %d", ErrInvalidPort, m.PingPort)
	}
	if m.IPv4Address != "" {
		ip := net.ParseIP(m.IPv4Address)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, m.IPv4Address)
		}
	}
	if m.IPv4Address != "" && m.Mask != "" && m.BroadcastAddress != "" {
		if err := ValidateBroadcast(m.IPv4Address, m.Mask, m.BroadcastAddress); err != nil {
			return err
		}
	}
	return nil
}
