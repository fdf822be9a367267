package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/wol"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStorage implements Storage with a SQLite backend.
type SQLiteStorage struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewSQLiteStorage creates a SQLite-based storage under dataDir.
func NewSQLiteStorage(dataDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "machines.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ss := &SQLiteStorage{db: db, path: dbPath}

	if err := ss.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return ss, nil
}

func (ss *SQLiteStorage) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	_, err = ss.db.Exec(string(schema))
	return err
}

// Close closes the database connection.
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

const machineColumns = `m.id, m.name, m.description, m.mac_address, m.ipv4_address,
       m.mask, m.broadcast_address, m.ping_port, m.snmp_community,
       m.created_at, m.updated_at`

// ListMachines returns all machines, optionally filtered by tags.
func (ss *SQLiteStorage) ListMachines(filter *model.MachineFilter) ([]model.Machine, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.Query(`SELECT ` + machineColumns + ` FROM machines m ORDER BY m.name`)
	if err != nil {
		return nil, fmt.Errorf("querying machines: %w", err)
	}
	defer rows.Close()

	machines, err := ss.scanMachines(rows)
	if err != nil {
		return nil, err
	}

	for i := range machines {
		if err := ss.loadTags(&machines[i]); err != nil {
			return nil, err
		}
	}

	if filter != nil && len(filter.Tags) > 0 {
		machines = filterByTags(machines, filter.Tags)
	}

	return machines, nil
}

// GetMachine retrieves a machine by ID or name.
func (ss *SQLiteStorage) GetMachine(id string) (*model.Machine, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	machine, err := ss.queryMachine(`SELECT `+machineColumns+` FROM machines m WHERE m.id = ? LIMIT 1`, id)
	if err == nil {
		return machine, ss.loadTags(machine)
	}

	machine, err = ss.queryMachine(`SELECT `+machineColumns+` FROM machines m WHERE LOWER(m.name) = LOWER(?) LIMIT 1`, id)
	if err != nil {
		return nil, err
	}
	return machine, ss.loadTags(machine)
}

// CreateMachine adds a new machine. The MAC address is normalized to its
// canonical form and the record is validated before insert; a blank
// broadcast address is derived from address and mask when both are set.
func (ss *SQLiteStorage) CreateMachine(machine *model.Machine) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if machine.ID == "" {
		machine.ID = uuid.NewString()
	}
	if err := prepareMachine(machine); err != nil {
		return err
	}

	now := time.Now()
	machine.CreatedAt = now
	machine.UpdatedAt = now

	tx, err := ss.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO machines (id, name, description, mac_address, ipv4_address, mask,
		                      broadcast_address, ping_port, snmp_community, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, machine.ID, machine.Name, machine.Description, machine.MACAddress, machine.IPv4Address,
		machine.Mask, machine.BroadcastAddress, machine.PingPort, machine.SNMPCommunity,
		machine.CreatedAt, machine.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting machine: %w", err)
	}

	if err := insertTags(tx, machine.ID, machine.Tags); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateMachine updates an existing machine.
func (ss *SQLiteStorage) UpdateMachine(machine *model.Machine) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if machine.ID == "" {
		return ErrInvalidID
	}
	if err := prepareMachine(machine); err != nil {
		return err
	}

	machine.UpdatedAt = time.Now()

	tx, err := ss.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE machines
		SET name = ?, description = ?, mac_address = ?, ipv4_address = ?, mask = ?,
		    broadcast_address = ?, ping_port = ?, snmp_community = ?, updated_at = ?
		WHERE id = ?
	`, machine.Name, machine.Description, machine.MACAddress, machine.IPv4Address, machine.Mask,
		machine.BroadcastAddress, machine.PingPort, machine.SNMPCommunity, machine.UpdatedAt,
		machine.ID)
	if err != nil {
		return fmt.Errorf("updating machine: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrMachineNotFound
	}

	if _, err := tx.Exec("DELETE FROM machine_tags WHERE machine_id = ?", machine.ID); err != nil {
		return fmt.Errorf("deleting old tags: %w", err)
	}
	if err := insertTags(tx, machine.ID, machine.Tags); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteMachine removes a machine and its schedules.
func (ss *SQLiteStorage) DeleteMachine(id string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	result, err := ss.db.Exec("DELETE FROM machines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting machine: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// SearchMachines searches name, description, MAC and IP for the query.
func (ss *SQLiteStorage) SearchMachines(query string) ([]model.Machine, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := ss.db.Query(`
		SELECT `+machineColumns+`
		FROM machines m
		WHERE LOWER(m.name) LIKE ? OR LOWER(m.description) LIKE ?
		   OR m.mac_address LIKE ? OR m.ipv4_address LIKE ?
		ORDER BY m.name
	`, pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching machines: %w", err)
	}
	defer rows.Close()

	machines, err := ss.scanMachines(rows)
	if err != nil {
		return nil, err
	}
	for i := range machines {
		if err := ss.loadTags(&machines[i]); err != nil {
			return nil, err
		}
	}
	return machines, nil
}

// ListSchedules returns wake schedules, optionally restricted to one machine.
func (ss *SQLiteStorage) ListSchedules(machineID string) ([]model.WakeSchedule, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT id, machine_id, cron_expr, enabled, created_at, updated_at FROM wake_schedules`
	args := []interface{}{}
	if machineID != "" {
		query += ` WHERE machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY created_at`

	rows, err := ss.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]model.WakeSchedule, 0)
	for rows.Next() {
		var s model.WakeSchedule
		if err := rows.Scan(&s.ID, &s.MachineID, &s.CronExpr, &s.Enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// GetSchedule retrieves a wake schedule by ID.
func (ss *SQLiteStorage) GetSchedule(id string) (*model.WakeSchedule, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var s model.WakeSchedule
	err := ss.db.QueryRow(`
		SELECT id, machine_id, cron_expr, enabled, created_at, updated_at
		FROM wake_schedules WHERE id = ?
	`, id).Scan(&s.ID, &s.MachineID, &s.CronExpr, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return &s, nil
}

// SaveSchedule creates or updates a wake schedule.
func (ss *SQLiteStorage) SaveSchedule(schedule *model.WakeSchedule) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := time.Now()
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	_, err := ss.db.Exec(`
		INSERT INTO wake_schedules (id, machine_id, cron_expr, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			machine_id = excluded.machine_id,
			cron_expr = excluded.cron_expr,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, schedule.ID, schedule.MachineID, schedule.CronExpr, schedule.Enabled,
		schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a wake schedule.
func (ss *SQLiteStorage) DeleteSchedule(id string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	result, err := ss.db.Exec("DELETE FROM wake_schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// prepareMachine normalizes and validates a record before writing it.
func prepareMachine(machine *model.Machine) error {
	normalized, err := wol.NormalizeMAC(machine.MACAddress)
	if err != nil {
		return err
	}
	machine.MACAddress = normalized

	if machine.PingPort == 0 {
		machine.PingPort = 22
	}
	if machine.BroadcastAddress == "" && machine.IPv4Address != "" && machine.Mask != "" {
		bcast, err := model.ComputeBroadcast(machine.IPv4Address, machine.Mask)
		if err != nil {
			return err
		}
		machine.BroadcastAddress = bcast
	}

	return machine.Validate()
}

func (ss *SQLiteStorage) queryMachine(query string, args ...interface{}) (*model.Machine, error) {
	var m model.Machine
	err := ss.db.QueryRow(query, args...).Scan(
		&m.ID, &m.Name, &m.Description, &m.MACAddress, &m.IPv4Address,
		&m.Mask, &m.BroadcastAddress, &m.PingPort, &m.SNMPCommunity,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying machine: %w", err)
	}
	return &m, nil
}

func (ss *SQLiteStorage) scanMachines(rows *sql.Rows) ([]model.Machine, error) {
	machines := make([]model.Machine, 0)
	for rows.Next() {
		var m model.Machine
		if err := rows.Scan(
			&m.ID, &m.Name, &m.Description, &m.MACAddress, &m.IPv4Address,
			&m.Mask, &m.BroadcastAddress, &m.PingPort, &m.SNMPCommunity,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (ss *SQLiteStorage) loadTags(machine *model.Machine) error {
	rows, err := ss.db.Query("SELECT tag FROM machine_tags WHERE machine_id = ? ORDER BY tag", machine.ID)
	if err != nil {
		return fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	machine.Tags = make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return fmt.Errorf("scanning tag: %w", err)
		}
		machine.Tags = append(machine.Tags, tag)
	}
	return rows.Err()
}

func insertTags(tx *sql.Tx, machineID string, tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := tx.Exec("INSERT OR IGNORE INTO machine_tags (machine_id, tag) VALUES (?, ?)", machineID, tag); err != nil {
			return fmt.Errorf("inserting tag: %w", err)
		}
	}
	return nil
}

func filterByTags(machines []model.Machine, tags []string) []model.Machine {
	filtered := make([]model.Machine, 0, len(machines))
	for _, m := range machines {
		if matchesAnyTag(m.Tags, tags) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func matchesAnyTag(machineTags, filterTags []string) bool {
	for _, ft := range filterTags {
		for _, mt := range machineTags {
			if strings.EqualFold(mt, ft) {
				return true
			}
		}
	}
	return false
}
