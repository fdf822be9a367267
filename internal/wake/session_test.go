package wake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wolfleet/wolfleet/internal/model"
)

// immediateClock fires every wait at once so sessions run at test speed.
type immediateClock struct {
	now time.Time
}

func (c *immediateClock) Now() time.Time { return c.now }

func (c *immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fakeTransmitter struct {
	mu    sync.Mutex
	calls []sendCall
}

type sendCall struct {
	mac       string
	broadcast string
	port      uint16
}

func (f *fakeTransmitter) Send(macAddr, broadcastAddr string, port uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{mac: macAddr, broadcast: broadcastAddr, port: port})
}

func (f *fakeTransmitter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// scriptedProber resolves each attempt according to succeedAt: attempts
// before it fail, every attempt from it on succeeds. Zero never succeeds.
type scriptedProber struct {
	mu        sync.Mutex
	succeedAt int
	attempts  int
}

func (p *scriptedProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.succeedAt > 0 && p.attempts >= p.succeedAt
}

// blockingProber parks every probe until the session context is cancelled,
// then reports success, modelling a late resolution.
type blockingProber struct {
	started chan struct{}
	once    sync.Once
}

func (p *blockingProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return true
}

func testMachine() model.Machine {
	return model.Machine{
		ID:               "m1",
		Name:             "nas",
		MACAddress:       "00:11:22:33:44:55",
		IPv4Address:      "192.168.1.50",
		BroadcastAddress: "192.168.1.255",
		PingPort:         22,
	}
}

func testOptions(prober *scriptedProber, maxAttempts int) (*Orchestrator, *fakeTransmitter) {
	tx := &fakeTransmitter{}
	o := NewOrchestrator(tx, prober, Options{
		MaxAttempts: maxAttempts,
		WoLPort:     9,
		Clock:       &immediateClock{now: time.Now()},
	})
	return o, tx
}

func TestSession_SuccessFirstProbe(t *testing.T) {
	prober := &scriptedProber{succeedAt: 1}
	o, tx := testOptions(prober, 30)

	session := o.Wake(context.Background(), testMachine())
	<-session.Done()

	if !session.Succeeded() {
		t.Fatalf("session should have succeeded")
	}

	snap := session.Snapshot()
	if snap.State != StateSuccess.String() {
		t.Errorf("state = %s, want %s", snap.State, StateSuccess)
	}
	if snap.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", snap.Attempt)
	}
	if !snap.Reachable {
		t.Errorf("snapshot should report reachable")
	}
	if snap.FinishedAt == nil {
		t.Errorf("terminal snapshot should carry a finish time")
	}

	if tx.sendCount() != 1 {
		t.Fatalf("transmitter called %d times, want 1", tx.sendCount())
	}
	tx.mu.Lock()
	call := tx.calls[0]
	tx.mu.Unlock()
	if call.mac != "00:11:22:33:44:55" || call.broadcast != "192.168.1.255" || call.port != 9 {
		t.Errorf("unexpected send call: %+v", call)
	}
}

func TestSession_SuccessAfterRetries(t *testing.T) {
	prober := &scriptedProber{succeedAt: 3}
	o, _ := testOptions(prober, 30)

	session := o.Wake(context.Background(), testMachine())
	<-session.Done()

	snap := session.Snapshot()
	if snap.State != StateSuccess.String() {
		t.Fatalf("state = %s, want %s", snap.State, StateSuccess)
	}
	if snap.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", snap.Attempt)
	}
}

func TestSession_TimedOut(t *testing.T) {
	prober := &scriptedProber{succeedAt: 0}
	o, _ := testOptions(prober, 30)

	session := o.Wake(context.Background(), testMachine())
	<-session.Done()

	if session.Succeeded() {
		t.Fatalf("session should not have succeeded")
	}

	snap := session.Snapshot()
	if snap.State != StateTimedOut.String() {
		t.Errorf("state = %s, want %s", snap.State, StateTimedOut)
	}
	// Exactly the configured number of attempts, no more.
	if snap.Attempt != 30 {
		t.Errorf("attempt = %d, want 30", snap.Attempt)
	}
	if prober.attempts != 30 {
		t.Errorf("prober called %d times, want 30", prober.attempts)
	}
	if snap.Reachable {
		t.Errorf("timed out session must not report reachable")
	}
}

func TestSession_CancelDiscardsLateResolution(t *testing.T) {
	prober := &blockingProber{started: make(chan struct{})}
	tx := &fakeTransmitter{}
	o := NewOrchestrator(tx, prober, Options{
		MaxAttempts: 30,
		Clock:       &immediateClock{now: time.Now()},
	})

	session := o.Wake(context.Background(), testMachine())

	// Cancel while the first probe is parked in flight. Its eventual true
	// resolution must be discarded, not applied.
	<-prober.started
	session.Cancel()
	<-session.Done()

	snap := session.Snapshot()
	if snap.State != StateCancelled.String() {
		t.Errorf("state = %s, want %s", snap.State, StateCancelled)
	}
	if snap.Reachable {
		t.Errorf("cancelled session must not report reachable")
	}
	if session.Succeeded() {
		t.Errorf("cancelled session must not report success")
	}
}

func TestSession_CancelAfterTerminalIsNoop(t *testing.T) {
	prober := &scriptedProber{succeedAt: 1}
	o, _ := testOptions(prober, 30)

	session := o.Wake(context.Background(), testMachine())
	<-session.Done()

	session.Cancel()
	session.Cancel()

	if got := session.Snapshot().State; got != StateSuccess.String() {
		t.Errorf("cancel after success changed state to %s", got)
	}
}

// gatedProber holds the first probe until the gate opens, giving the test a
// window to register listeners before the session can finish.
type gatedProber struct {
	gate     chan struct{}
	scripted scriptedProber
}

func (p *gatedProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	<-p.gate
	return p.scripted.Probe(ctx, host, port, timeout)
}

func TestSession_ListenersSeeProgress(t *testing.T) {
	prober := &gatedProber{gate: make(chan struct{}), scripted: scriptedProber{succeedAt: 2}}
	tx := &fakeTransmitter{}
	o := NewOrchestrator(tx, prober, Options{
		MaxAttempts: 30,
		Clock:       &immediateClock{now: time.Now()},
	})

	var mu sync.Mutex
	var states []string
	var attempts []int

	session := o.Wake(context.Background(), testMachine())
	session.OnUpdate(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, snap.State)
		attempts = append(attempts, snap.Attempt)
	})
	close(prober.gate)
	<-session.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 {
		t.Fatalf("expected listener notifications")
	}
	if states[len(states)-1] != StateSuccess.String() {
		t.Errorf("final notification state = %s, want %s", states[len(states)-1], StateSuccess)
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i] < attempts[i-1] {
			t.Errorf("attempt counter went backwards: %v", attempts)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateSuccess, StateTimedOut, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateSending, StateWaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
