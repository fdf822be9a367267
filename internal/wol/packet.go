package wol

import (
	"fmt"
	"strings"

	"github.com/wolfleet/wolfleet/internal/model"
)

const (
	// DefaultPort is the standard Wake-on-LAN UDP port.
	DefaultPort = 9

	// MagicPacketSize is the size of a WoL magic packet: a synchronizer of
	// six 0xFF bytes followed by 16 repetitions of the 6-byte MAC.
	MagicPacketSize = 6 + 16*6

	// UniversalBroadcast is the fallback destination when the directed
	// broadcast send fails.
	UniversalBroadcast = "255.255.255.255"
)

// macSeparators are stripped from MAC address input before validation.
const macSeparators = ":-. "

// ParseMAC parses a MAC address string into its 6 raw bytes. Separators
// (colon, dash, dot, space) are stripped and case is ignored; the remainder
// must be exactly 12 hexadecimal characters.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte

	cleaned := strings.ToLower(stripSeparators(s))
	if len(cleaned) != 12 {
		return mac, fmt.Errorf("%w: expected 12 hex characters, got %d", model.ErrInvalidMACFormat, len(cleaned))
	}

	for i := 0; i < 6; i++ {
		hi, ok1 := hexValue(cleaned[i*2])
		lo, ok2 := hexValue(cleaned[i*2+1])
		if !ok1 || !ok2 {
			return mac, fmt.Errorf("%w: invalid character in %q", model.ErrInvalidMACFormat, s)
		}
		mac[i] = hi<<4 | lo
	}

	return mac, nil
}

// NormalizeMAC returns the canonical lowercase colon-separated form of a MAC
// address, so that identity comparisons are stable regardless of the
// separator style used on input.
func NormalizeMAC(s string) (string, error) {
	mac, err := ParseMAC(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]), nil
}

// BuildMagicPacket assembles the 102-byte WoL payload for the given MAC.
func BuildMagicPacket(mac [6]byte) []byte {
	packet := make([]byte, 0, MagicPacketSize)

	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, mac[:]...)
	}

	return packet
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(macSeparators, r) {
			return -1
		}
		return r
	}, s)
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
