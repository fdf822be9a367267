package api

import (
	"context"
	"sync"
	"time"

	"github.com/wolfleet/wolfleet/internal/fleet"
	"github.com/wolfleet/wolfleet/internal/wake"
)

// noopTransmitter records sends without touching the network.
type noopTransmitter struct {
	mu    sync.Mutex
	sends int
}

func (f *noopTransmitter) Send(macAddr, broadcastAddr string, port uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
}

// stuckProber never resolves until the session is cancelled, keeping wake
// sessions alive for the duration of a test.
type stuckProber struct{}

func (stuckProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	<-ctx.Done()
	return false
}

// downProber resolves every probe as unreachable immediately.
type downProber struct{}

func (downProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return false
}

// immediateClock fires waits at once so sessions progress without sleeping.
type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Now() }

func (immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// setupTestHandler creates a Handler over mock storage with an inert wake
// pipeline. The schedule runner is nil, as in one-shot CLI contexts.
func setupTestHandler() (*Handler, *mockStorage) {
	store := newMockStorage()

	orchestrator := wake.NewOrchestrator(&noopTransmitter{}, stuckProber{}, wake.Options{
		MaxAttempts: 30,
		Clock:       immediateClock{},
	})
	manager := wake.NewManager(orchestrator)
	poller := fleet.NewPoller(store, downProber{}, nil, time.Second)

	return NewHandler(store, manager, poller, nil), store
}
