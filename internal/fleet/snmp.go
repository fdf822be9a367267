package fleet

import (
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// sysUpTimeOID is SNMPv2-MIB::sysUpTime.0, hundredths of a second since the
// agent came up.
const sysUpTimeOID = "1.3.6.1.2.1.1.3.0"

// SNMPQuerier fetches sysUpTime over SNMP v2c. Used to enrich fleet status
// for machines that expose an SNMP agent; failures only clear the uptime
// field and never affect reachability results.
type SNMPQuerier struct {
	port uint16
}

// NewSNMPQuerier creates a querier against the standard SNMP port.
func NewSNMPQuerier() *SNMPQuerier {
	return &SNMPQuerier{port: 161}
}

// SysUptime queries host for its uptime using the given community string.
func (q *SNMPQuerier) SysUptime(host, community string, timeout time.Duration) (string, error) {
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      q.port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
	}

	if err := client.Connect(); err != nil {
		return "", fmt.Errorf("snmp connect: %w", err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{sysUpTimeOID})
	if err != nil {
		return "", fmt.Errorf("snmp get: %w", err)
	}
	if len(result.Variables) == 0 {
		return "", fmt.Errorf("snmp get: empty response")
	}

	ticks := gosnmp.ToBigInt(result.Variables[0].Value)
	uptime := time.Duration(ticks.Int64()) * 10 * time.Millisecond
	return uptime.Truncate(time.Second).String(), nil
}
