package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wol"
)

// mockStorage is a simple in-memory storage for testing
type mockStorage struct {
	machines  map[string]*model.Machine
	schedules map[string]*model.WakeSchedule
	nextID    int
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		machines:  make(map[string]*model.Machine),
		schedules: make(map[string]*model.WakeSchedule),
	}
}

func (m *mockStorage) ListMachines(filter *model.MachineFilter) ([]model.Machine, error) {
	result := make([]model.Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		result = append(result, *machine)
	}
	return result, nil
}

func (m *mockStorage) GetMachine(id string) (*model.Machine, error) {
	if machine, ok := m.machines[id]; ok {
		clone := *machine
		return &clone, nil
	}
	for _, machine := range m.machines {
		if strings.EqualFold(machine.Name, id) {
			clone := *machine
			return &clone, nil
		}
	}
	return nil, storage.ErrMachineNotFound
}

func (m *mockStorage) CreateMachine(machine *model.Machine) error {
	normalized, err := wol.NormalizeMAC(machine.MACAddress)
	if err != nil {
		return err
	}
	machine.MACAddress = normalized
	if machine.PingPort == 0 {
		machine.PingPort = 22
	}
	if err := machine.Validate(); err != nil {
		return err
	}

	for _, existing := range m.machines {
		if strings.EqualFold(existing.Name, machine.Name) {
			return storage.ErrAlreadyExists
		}
	}

	if machine.ID == "" {
		m.nextID++
		machine.ID = "machine-" + strconv.Itoa(m.nextID)
	}
	now := time.Now()
	machine.CreatedAt = now
	machine.UpdatedAt = now
	m.machines[machine.ID] = machine
	return nil
}

func (m *mockStorage) UpdateMachine(machine *model.Machine) error {
	if _, ok := m.machines[machine.ID]; !ok {
		return storage.ErrMachineNotFound
	}
	normalized, err := wol.NormalizeMAC(machine.MACAddress)
	if err != nil {
		return err
	}
	machine.MACAddress = normalized
	if err := machine.Validate(); err != nil {
		return err
	}
	machine.UpdatedAt = time.Now()
	m.machines[machine.ID] = machine
	return nil
}

func (m *mockStorage) DeleteMachine(id string) error {
	if _, ok := m.machines[id]; !ok {
		return storage.ErrMachineNotFound
	}
	delete(m.machines, id)
	return nil
}

func (m *mockStorage) SearchMachines(query string) ([]model.Machine, error) {
	q := strings.ToLower(query)
	result := make([]model.Machine, 0)
	for _, machine := range m.machines {
		if strings.Contains(strings.ToLower(machine.Name), q) ||
			strings.Contains(strings.ToLower(machine.Description), q) ||
			strings.Contains(machine.MACAddress, q) ||
			strings.Contains(machine.IPv4Address, q) {
			result = append(result, *machine)
		}
	}
	return result, nil
}

func (m *mockStorage) ListSchedules(machineID string) ([]model.WakeSchedule, error) {
	result := make([]model.WakeSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if machineID == "" || s.MachineID == machineID {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (m *mockStorage) GetSchedule(id string) (*model.WakeSchedule, error) {
	if s, ok := m.schedules[id]; ok {
		clone := *s
		return &clone, nil
	}
	return nil, storage.ErrScheduleNotFound
}

func (m *mockStorage) SaveSchedule(schedule *model.WakeSchedule) error {
	if schedule.ID == "" {
		m.nextID++
		schedule.ID = "schedule-" + strconv.Itoa(m.nextID)
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	schedule.UpdatedAt = time.Now()
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *mockStorage) DeleteSchedule(id string) error {
	if _, ok := m.schedules[id]; !ok {
		return storage.ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *mockStorage) Close() error {
	return nil
}
