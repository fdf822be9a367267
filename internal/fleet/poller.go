package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/probe"
)

// MachineSource provides the current fleet for a check-all pass. Satisfied by
// the storage layer.
type MachineSource interface {
	ListMachines(filter *model.MachineFilter) ([]model.Machine, error)
}

// UptimeQuerier fetches a host's uptime out of band (SNMP). Optional.
type UptimeQuerier interface {
	SysUptime(host, community string, timeout time.Duration) (string, error)
}

// Poller tracks reachability for the whole fleet on a re-arming single-shot
// timer. Status entries are keyed by machine ID and created lazily on first
// check; entries for machines removed mid-run persist until process restart.
type Poller struct {
	source       MachineSource
	prober       probe.Prober
	uptime       UptimeQuerier
	probeTimeout time.Duration

	mu              sync.RWMutex
	status          map[string]*model.MachineStatus
	interval        time.Duration
	pendingInterval time.Duration
	nextCheckAt     time.Time
	timer           *time.Timer
	generation      int
	running         bool
	nextListenerID  int
	listeners       map[int]func(model.MachineStatus)
	passListeners   []func(checked int)
}

// NewPoller creates a fleet poller. uptime may be nil to disable SNMP
// enrichment. A non-positive probeTimeout falls back to the short profile.
func NewPoller(source MachineSource, prober probe.Prober, uptime UptimeQuerier, probeTimeout time.Duration) *Poller {
	if probeTimeout <= 0 {
		probeTimeout = probe.ShortTimeout
	}
	return &Poller{
		source:       source,
		prober:       prober,
		uptime:       uptime,
		probeTimeout: probeTimeout,
		status:       make(map[string]*model.MachineStatus),
		listeners:    make(map[int]func(model.MachineStatus)),
	}
}

// OnUpdate registers a listener invoked with each machine's status as soon
// as its check completes. The fleet view updates machine by machine, not in
// one batch. The returned function unregisters the listener.
func (p *Poller) OnUpdate(fn func(model.MachineStatus)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListenerID
	p.nextListenerID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// OnPassComplete registers a listener invoked when an entire check-all pass
// has finished, with the number of machines checked.
func (p *Poller) OnPassComplete(fn func(checked int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passListeners = append(p.passListeners, fn)
}

// Start triggers one immediate check-all pass and then arms the timer for
// interval. Calling Start on a running poller re-arms it.
func (p *Poller) Start(interval time.Duration) {
	p.mu.Lock()
	p.stopTimerLocked()
	p.interval = interval
	p.pendingInterval = 0
	p.running = true
	p.mu.Unlock()

	log.Info("Fleet poller started", "interval", interval)

	go p.CheckAll()
	p.arm(interval)
}

// Stop cancels the pending timer. In-flight probes complete and still record
// their results.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.stopTimerLocked()
	p.running = false
	p.nextCheckAt = time.Time{}
	log.Info("Fleet poller stopped")
}

// SetPendingInterval records a desired interval without touching the armed
// timer; it takes effect at the next scheduled firing. This never shortens a
// wait already in progress.
func (p *Poller) SetPendingInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingInterval = interval
	log.Debug("Fleet poll interval change pending", "interval", interval)
}

// Reset cancels the current timer and re-arms with interval WITHOUT an
// immediate check-all pass. Used after a manual refresh so the fleet is not
// checked twice back to back.
func (p *Poller) Reset(interval time.Duration) {
	p.mu.Lock()
	p.stopTimerLocked()
	p.interval = interval
	p.pendingInterval = 0
	p.running = true
	p.mu.Unlock()

	log.Debug("Fleet poller reset", "interval", interval)
	p.arm(interval)
}

// Interval returns the currently armed interval.
func (p *Poller) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// NextCheckAt returns when the next scheduled pass fires; zero when stopped.
func (p *Poller) NextCheckAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextCheckAt
}

// Status returns a copy of every known machine status entry.
func (p *Poller) Status() []model.MachineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.MachineStatus, 0, len(p.status))
	for _, st := range p.status {
		out = append(out, *st)
	}
	return out
}

// MachineStatus returns the status entry for one machine.
func (p *Poller) MachineStatus(id string) (model.MachineStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.status[id]
	if !ok {
		return model.MachineStatus{}, false
	}
	return *st, true
}

// CheckAll runs one pass over the fleet: every machine is checked
// concurrently and independently, each marking itself checking, probing, and
// recording result plus timestamp in one step pairing. Blocks until the pass
// completes.
func (p *Poller) CheckAll() {
	machines, err := p.source.ListMachines(nil)
	if err != nil {
		log.Error("Fleet check skipped, listing machines failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m model.Machine) {
			defer wg.Done()
			p.checkOne(m)
		}(m)
	}
	wg.Wait()

	p.mu.RLock()
	passListeners := make([]func(int), len(p.passListeners))
	copy(passListeners, p.passListeners)
	p.mu.RUnlock()

	for _, fn := range passListeners {
		fn(len(machines))
	}
	log.Debug("Fleet check pass complete", "machines", len(machines))
}

// checkOne probes a single machine and records the outcome.
func (p *Poller) checkOne(m model.Machine) {
	p.setChecking(m.ID, true)

	reachable := false
	if m.IPv4Address != "" {
		reachable = p.prober.Probe(context.Background(), m.IPv4Address, m.PingPort, p.probeTimeout)
	}

	uptime := ""
	if reachable && p.uptime != nil && m.SNMPCommunity != "" {
		up, err := p.uptime.SysUptime(m.IPv4Address, m.SNMPCommunity, p.probeTimeout)
		if err != nil {
			log.Debug("SNMP uptime query failed", "machine", m.Name, "error", err)
		} else {
			uptime = up
		}
	}

	p.record(m.ID, reachable, uptime)
}

func (p *Poller) setChecking(id string, checking bool) {
	p.mu.Lock()
	st := p.entryLocked(id)
	st.Checking = checking
	snap := *st
	listeners := p.copyListenersLocked()
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// record stores the probe result and clears the checking flag in the same
// step, so observers never see a torn checking/result pairing.
func (p *Poller) record(id string, reachable bool, uptime string) {
	now := time.Now()

	p.mu.Lock()
	st := p.entryLocked(id)
	st.LastKnownReachable = reachable
	st.LastCheckedAt = &now
	st.Checking = false
	st.SNMPUptime = uptime
	snap := *st
	listeners := p.copyListenersLocked()
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (p *Poller) entryLocked(id string) *model.MachineStatus {
	st, ok := p.status[id]
	if !ok {
		st = &model.MachineStatus{MachineID: id}
		p.status[id] = st
	}
	return st
}

func (p *Poller) copyListenersLocked() []func(model.MachineStatus) {
	listeners := make([]func(model.MachineStatus), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

// arm schedules the next firing, superseding any timer already armed. Each
// firing runs a check-all pass and re-arms itself, applying any interval
// change recorded since the last arm.
func (p *Poller) arm(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armLocked(interval)
}

func (p *Poller) armLocked(interval time.Duration) {
	if !p.running || interval <= 0 {
		return
	}
	p.stopTimerLocked()
	p.generation++
	gen := p.generation
	p.nextCheckAt = time.Now().Add(interval)
	p.timer = time.AfterFunc(interval, func() { p.fire(gen) })
}

// fire runs one timer-driven pass. The generation token pins the firing to
// the arm that scheduled it: a firing whose arm was superseded by Start or
// Reset neither runs nor re-arms, so only one timer chain is ever live.
func (p *Poller) fire(gen int) {
	p.mu.Lock()
	if !p.running || gen != p.generation {
		p.mu.Unlock()
		return
	}
	if p.pendingInterval > 0 {
		p.interval = p.pendingInterval
		p.pendingInterval = 0
		log.Info("Fleet poll interval updated", "interval", p.interval)
	}
	next := p.interval
	p.mu.Unlock()

	p.CheckAll()

	p.mu.Lock()
	if gen == p.generation {
		p.armLocked(next)
	}
	p.mu.Unlock()
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
