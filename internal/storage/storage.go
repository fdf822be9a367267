package storage

import (
	"errors"

	"github.com/wolfleet/wolfleet/internal/model"
)

var (
	ErrMachineNotFound  = errors.New("machine not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidID        = errors.New("invalid ID")
	ErrAlreadyExists    = errors.New("machine already exists")
)

// Storage defines the persistence interface for machine records and wake
// schedules. The wake/fleet core treats it as a read-only collaborator; only
// the API, CLI and MCP layers write through it.
type Storage interface {
	ListMachines(filter *model.MachineFilter) ([]model.Machine, error)
	GetMachine(id string) (*model.Machine, error)
	CreateMachine(machine *model.Machine) error
	UpdateMachine(machine *model.Machine) error
	DeleteMachine(id string) error
	SearchMachines(query string) ([]model.Machine, error)

	ListSchedules(machineID string) ([]model.WakeSchedule, error)
	GetSchedule(id string) (*model.WakeSchedule, error)
	SaveSchedule(schedule *model.WakeSchedule) error
	DeleteSchedule(id string) error

	Close() error
}

// NewStorage creates the default storage backend (SQLite) under dataDir.
func NewStorage(dataDir string) (Storage, error) {
	return NewSQLiteStorage(dataDir)
}
