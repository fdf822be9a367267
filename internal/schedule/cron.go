package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
)

// Runner executes persisted wake schedules. Each enabled schedule's cron
// expression fires a fire-and-forget wake session for its machine.
type Runner struct {
	storage storage.Storage
	manager *wake.Manager
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRunner creates a schedule runner.
func NewRunner(st storage.Storage, manager *wake.Manager) *Runner {
	return &Runner{
		storage: st,
		manager: manager,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateExpr reports whether expr is a valid standard 5-field cron
// expression.
func ValidateExpr(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// Start loads enabled schedules from storage and starts the cron loop.
func (r *Runner) Start() error {
	if err := r.Reload(); err != nil {
		return err
	}
	r.cron.Start()
	log.Info("Wake schedule runner started")
	return nil
}

// Stop halts the cron loop. Wake sessions already started keep running.
func (r *Runner) Stop() {
	r.cron.Stop()
	log.Info("Wake schedule runner stopped")
}

// Reload re-registers all enabled schedules. Called after schedule CRUD so
// changes take effect without a restart.
func (r *Runner) Reload() error {
	schedules, err := r.storage.ListSchedules("")
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entryID := range r.entries {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}

	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		s := s
		entryID, err := r.cron.AddFunc(s.CronExpr, func() { r.fire(s.ID, s.MachineID) })
		if err != nil {
			log.Error("Skipping schedule with invalid cron expression",
				"schedule_id", s.ID, "expr", s.CronExpr, "error", err)
			continue
		}
		r.entries[s.ID] = entryID
		log.Info("Wake schedule registered", "schedule_id", s.ID, "machine_id", s.MachineID, "expr", s.CronExpr)
	}

	return nil
}

// fire starts a wake session for the schedule's machine. The machine record
// is re-read at fire time so edits between firings are picked up.
func (r *Runner) fire(scheduleID, machineID string) {
	machine, err := r.storage.GetMachine(machineID)
	if err != nil {
		log.Error("Scheduled wake skipped, machine lookup failed",
			"schedule_id", scheduleID, "machine_id", machineID, "error", err)
		return
	}

	log.Info("Scheduled wake firing", "schedule_id", scheduleID, "machine", machine.Name)
	r.manager.StartWake(context.Background(), *machine)
}
