package wake

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManager_StartAndGet(t *testing.T) {
	o, _ := testOptions(&scriptedProber{succeedAt: 1}, 30)
	m := NewManager(o)

	session := m.StartWake(context.Background(), testMachine())
	<-session.Done()

	got, err := m.Get(session.ID())
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.ID() != session.ID() {
		t.Errorf("Get returned session %s, want %s", got.ID(), session.ID())
	}

	if _, err := m.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown ID error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_Cancel(t *testing.T) {
	prober := &blockingProber{started: make(chan struct{})}
	o := NewOrchestrator(&fakeTransmitter{}, prober, Options{
		MaxAttempts: 30,
		Clock:       &immediateClock{now: time.Now()},
	})
	m := NewManager(o)

	session := m.StartWake(context.Background(), testMachine())
	<-prober.started

	if err := m.Cancel(session.ID()); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	<-session.Done()

	if got := session.Snapshot().State; got != StateCancelled.String() {
		t.Errorf("state = %s, want %s", got, StateCancelled)
	}

	if err := m.Cancel("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown ID error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_ListAndPrune(t *testing.T) {
	o, _ := testOptions(&scriptedProber{succeedAt: 1}, 30)
	m := NewManager(o)

	first := m.StartWake(context.Background(), testMachine())
	second := m.StartWake(context.Background(), testMachine())
	<-first.Done()
	<-second.Done()

	if got := len(m.List()); got != 2 {
		t.Fatalf("List returned %d sessions, want 2", got)
	}

	if removed := m.Prune(); removed != 2 {
		t.Errorf("Prune removed %d sessions, want 2", removed)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("List returned %d sessions after prune, want 0", got)
	}
}
