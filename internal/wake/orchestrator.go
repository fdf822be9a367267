package wake

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/probe"
)

// Transmitter sends a WoL magic packet. Satisfied by *wol.Transmitter.
type Transmitter interface {
	Send(macAddr, broadcastAddr string, port uint16)
}

// Options tune a wake session. Zero values take the documented defaults,
// giving a worst case of roughly 61 seconds to timeout
// (1s initial delay + 30 attempts on a 2s cadence).
type Options struct {
	InitialDelay time.Duration // delay between send and first probe (default 1s)
	Cadence      time.Duration // delay before each probe attempt (default 2s)
	ProbeTimeout time.Duration // per-probe timeout (default probe.LongTimeout)
	MaxAttempts  int           // probe attempts before giving up (default 30)
	WoLPort      uint16        // UDP destination port for the magic packet (default 9)
	Clock        Clock         // injectable for tests (default real clock)
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 1 * time.Second
	}
	if o.Cadence <= 0 {
		o.Cadence = 2 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = probe.LongTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 30
	}
	if o.WoLPort == 0 {
		o.WoLPort = 9
	}
	if o.Clock == nil {
		o.Clock = NewRealClock()
	}
	return o
}

// Orchestrator starts wake sessions: send packet, then verify reachability
// with bounded sequential probe attempts.
type Orchestrator struct {
	transmitter Transmitter
	prober      probe.Prober
	opts        Options
}

// NewOrchestrator creates an orchestrator with the given defaults applied to
// every session it starts.
func NewOrchestrator(transmitter Transmitter, prober probe.Prober, opts Options) *Orchestrator {
	return &Orchestrator{
		transmitter: transmitter,
		prober:      prober,
		opts:        opts.withDefaults(),
	}
}

// Wake starts a wake-and-verify session for machine. The machine record is
// snapshotted now; later edits do not affect this session. The session runs
// in the background until Done is closed; ctx cancellation cancels it.
func (o *Orchestrator) Wake(ctx context.Context, machine model.Machine) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:          uuid.NewString(),
		machine:     machine,
		opts:        o.opts,
		transmitter: o.transmitter,
		prober:      o.prober,
		state:       StateIdle,
		startedAt:   o.opts.Clock.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	log.Info("Starting wake session",
		"session_id", s.id, "machine", machine.Name, "mac", machine.MACAddress,
		"target", machine.IPv4Address, "ping_port", machine.PingPort)

	go s.run(sessionCtx)
	return s
}
