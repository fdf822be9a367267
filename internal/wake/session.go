package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/probe"
)

// State is the lifecycle state of a wake session.
type State int

const (
	// StateIdle is the zero state before the session starts.
	StateIdle State = iota
	// StateSending means the magic packet is being transmitted.
	StateSending
	// StateWaiting means the session is between or inside probe attempts.
	StateWaiting
	// StateSuccess means a probe confirmed the machine is reachable.
	StateSuccess
	// StateTimedOut means all probe attempts were exhausted.
	StateTimedOut
	// StateCancelled means the session was cancelled before completion.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateWaiting:
		return "waiting"
	case StateSuccess:
		return "success"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state is one of the three end states.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateTimedOut || s == StateCancelled
}

// Snapshot is a point-in-time view of a session, safe to hand to UI layers.
type Snapshot struct {
	SessionID     string     `json:"session_id"`
	MachineID     string     `json:"machine_id"`
	MachineName   string     `json:"machine_name"`
	State         string     `json:"state"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	Reachable     bool       `json:"reachable"`
	StatusMessage string     `json:"status_message"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Session is one wake-and-verify run against a single machine. The machine
// record is snapshotted at wake start and used throughout, so editing the
// record mid-flight cannot redirect the verification loop.
//
// Sessions for the same machine are not mutually exclusive; serializing wake
// requests per machine is the caller's responsibility.
type Session struct {
	id      string
	machine model.Machine
	opts    Options

	transmitter Transmitter
	prober      probe.Prober

	mu         sync.Mutex
	state      State
	attempt    int
	reachable  bool
	statusMsg  string
	startedAt  time.Time
	finishedAt *time.Time
	listeners  []func(Snapshot)

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:     s.id,
		MachineID:     s.machine.ID,
		MachineName:   s.machine.Name,
		State:         s.state.String(),
		Attempt:       s.attempt,
		MaxAttempts:   s.opts.MaxAttempts,
		Reachable:     s.reachable,
		StatusMessage: s.statusMsg,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}
}

// OnUpdate registers a listener invoked with a fresh snapshot after every
// state change. Listeners registered after a change see only later changes.
func (s *Session) OnUpdate(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Cancel stops the session. It is effective only while the session is not
// yet reachable and attempts remain; cancelling a session already in a
// terminal state is a no-op. An in-flight probe is abandoned and its eventual
// resolution discarded.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cancel()
}

// Succeeded reports whether the session ended in StateSuccess. Only
// meaningful after Done is closed.
func (s *Session) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSuccess
}

// update mutates session fields under the lock and notifies listeners with
// the resulting snapshot outside of it.
func (s *Session) update(mutate func()) {
	s.mu.Lock()
	mutate()
	snap := s.snapshotLocked()
	listeners := make([]func(Snapshot), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Session) finish(ctx context.Context, state State, msg string) {
	s.update(func() {
		// A cancel that raced a success or timeout must not overwrite the
		// terminal state.
		if s.state.Terminal() {
			return
		}
		s.state = state
		s.statusMsg = msg
		now := s.opts.Clock.Now()
		s.finishedAt = &now
	})
	log.Info("Wake session finished",
		"session_id", s.id, "machine", s.machine.Name, "state", state.String(), "attempts", s.attempt)
}

// run drives the state machine:
// Sending -> Waiting(1) ... Waiting(n) -> Success | TimedOut, with Cancelled
// reachable from any waiting point.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.update(func() {
		s.state = StateSending
		s.statusMsg = "sending magic packet"
	})
	s.transmitter.Send(s.machine.MACAddress, s.machine.BroadcastAddress, s.opts.WoLPort)

	// Give the target NIC a moment to process the packet before probing.
	if !s.wait(ctx, s.opts.InitialDelay) {
		s.finish(ctx, StateCancelled, "cancelled")
		return
	}

	for {
		if !s.wait(ctx, s.opts.Cadence) {
			s.finish(ctx, StateCancelled, "cancelled")
			return
		}

		s.update(func() {
			s.state = StateWaiting
			s.attempt++
			s.statusMsg = fmt.Sprintf("waiting for machine, attempt %d/%d", s.attempt, s.opts.MaxAttempts)
		})

		reachable := s.prober.Probe(ctx, s.machine.IPv4Address, s.machine.PingPort, s.opts.ProbeTimeout)

		// A resolution that arrives after cancellation is discarded rather
		// than applied to a cancelled session.
		if ctx.Err() != nil {
			s.finish(ctx, StateCancelled, "cancelled")
			return
		}

		if reachable {
			s.update(func() {
				s.reachable = true
			})
			s.finish(ctx, StateSuccess, fmt.Sprintf("machine reachable after %d attempts", s.attempt))
			return
		}

		log.Debug("Wake probe attempt failed",
			"session_id", s.id, "machine", s.machine.Name,
			"attempt", s.attempt, "max_attempts", s.opts.MaxAttempts)

		s.mu.Lock()
		exhausted := s.attempt >= s.opts.MaxAttempts
		s.mu.Unlock()
		if exhausted {
			s.finish(ctx, StateTimedOut, fmt.Sprintf("machine did not come up after %d attempts", s.attempt))
			return
		}
	}
}

// wait blocks for d on the session clock. Returns false if the session was
// cancelled first.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.opts.Clock.After(d):
		return true
	}
}
