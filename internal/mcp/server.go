package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paularlott/mcp"

	"github.com/wolfleet/wolfleet/internal/fleet"
	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
)

// Server wraps the MCP server with machine storage and the wake/fleet
// services so agents can manage and wake machines.
type Server struct {
	mcpServer   *mcp.Server
	storage     storage.Storage
	manager     *wake.Manager
	poller      *fleet.Poller
	runner      *schedule.Runner
	bearerToken string
}

// NewServer creates a new MCP server for fleet management.
func NewServer(st storage.Storage, manager *wake.Manager, poller *fleet.Poller, runner *schedule.Runner, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("wolfleet", "1.0.0"),
		storage:     st,
		manager:     manager,
		poller:      poller,
		runner:      runner,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

// registerTools registers all fleet management tools
func (s *Server) registerTools() {
	// machine_save - Save a machine (create or update)
	s.mcpServer.RegisterTool(
		mcp.NewTool("machine_save", "Create a new machine or update an existing one. If id is provided and exists, it updates; otherwise creates new.",
			mcp.String("id", "Machine ID (if updating existing machine)"),
			mcp.String("name", "Machine name", mcp.Required()),
			mcp.String("description", "Machine description"),
			mcp.String("mac_address", "MAC address (any separator style)", mcp.Required()),
			mcp.String("ipv4_address", "IPv4 address used for reachability probes"),
			mcp.String("mask", "Subnet mask (dotted quad)"),
			mcp.String("broadcast_address", "Broadcast address (derived from address and mask when omitted)"),
			mcp.String("ping_port", "TCP port probed for reachability (default 22)"),
			mcp.String("snmp_community", "SNMP community string for uptime enrichment"),
			mcp.StringArray("tags", "Tags for categorization"),
		),
		s.handleMachineSave,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("machine_get", "Get a machine by ID or name",
			mcp.String("id", "Machine ID or name", mcp.Required()),
		),
		s.handleMachineGet,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("machine_list", "List all machines, optionally filtered by search query or tags",
			mcp.String("query", "Search query (searches name, description, MAC, IP)"),
			mcp.StringArray("tags", "Filter by tags (returns machines matching any tag)"),
		),
		s.handleMachineList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("machine_delete", "Delete a machine from the fleet",
			mcp.String("id", "Machine ID or name", mcp.Required()),
		),
		s.handleMachineDelete,
	)

	// Wake tools

	s.mcpServer.RegisterTool(
		mcp.NewTool("machine_wake", "Send a Wake-on-LAN packet to a machine and start verifying it comes online. Returns a session ID to poll with wake_status.",
			mcp.String("id", "Machine ID or name", mcp.Required()),
		),
		s.handleMachineWake,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("wake_status", "Get the progress of a wake session",
			mcp.String("session_id", "Wake session ID", mcp.Required()),
		),
		s.handleWakeStatus,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("wake_cancel", "Cancel a running wake session. No effect if the session already finished.",
			mcp.String("session_id", "Wake session ID", mcp.Required()),
		),
		s.handleWakeCancel,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("fleet_status", "Get the live reachability status of every tracked machine"),
		s.handleFleetStatus,
	)

	// Schedule tools

	s.mcpServer.RegisterTool(
		mcp.NewTool("schedule_save", "Create or update a recurring wake schedule for a machine",
			mcp.String("id", "Schedule ID (if updating)"),
			mcp.String("machine_id", "Machine ID", mcp.Required()),
			mcp.String("cron_expr", "Standard 5-field cron expression", mcp.Required()),
			mcp.String("enabled", "Whether the schedule is active: true or false (default true)"),
		),
		s.handleScheduleSave,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("schedule_list", "List wake schedules, optionally for one machine",
			mcp.String("machine_id", "Restrict to one machine"),
		),
		s.handleScheduleList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("schedule_delete", "Delete a wake schedule",
			mcp.String("id", "Schedule ID", mcp.Required()),
		),
		s.handleScheduleDelete,
	)
}

// HandleRequest processes MCP requests with bearer auth when configured.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.bearerToken {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

// GetHTTPHandler returns the HTTP handler for the MCP server
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs the MCP configuration at server start.
func (s *Server) LogStartup() {
	log.Info("MCP server initialized", "version", "1.0.0")
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
}

func (s *Server) handleMachineSave(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	name, err := req.String("name")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("name is required: " + err.Error())
	}
	macAddress, err := req.String("mac_address")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("mac_address is required: " + err.Error())
	}

	machine := &model.Machine{
		Name:       name,
		MACAddress: macAddress,
		PingPort:   22,
	}
	machine.ID = req.StringOr("id", "")
	machine.Description = req.StringOr("description", "")
	machine.IPv4Address = req.StringOr("ipv4_address", "")
	machine.Mask = req.StringOr("mask", "")
	machine.BroadcastAddress = req.StringOr("broadcast_address", "")
	machine.SNMPCommunity = req.StringOr("snmp_community", "")
	machine.Tags, _ = req.StringSlice("tags")
	if port, err := strconv.Atoi(req.StringOr("ping_port", "")); err == nil && port > 0 {
		machine.PingPort = port
	}

	existing := false
	if machine.ID != "" {
		if _, err := s.storage.GetMachine(machine.ID); err == nil {
			existing = true
		}
	}

	if existing {
		err = s.storage.UpdateMachine(machine)
	} else {
		err = s.storage.CreateMachine(machine)
	}
	if err != nil {
		log.Error("MCP machine save failed", "error", err, "name", name)
		return nil, mcp.NewToolErrorInternal("failed to save machine: " + err.Error())
	}

	log.Info("MCP machine saved", "id", machine.ID, "name", machine.Name)
	return s.machineToResponse(machine), nil
}

func (s *Server) handleMachineGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	machine, err := s.storage.GetMachine(id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("machine not found: " + err.Error())
	}

	return s.machineToResponse(machine), nil
}

func (s *Server) handleMachineList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	var machines []model.Machine
	var err error

	query, _ := req.String("query")
	tags, _ := req.StringSlice("tags")

	if query != "" {
		machines, err = s.storage.SearchMachines(query)
	} else {
		machines, err = s.storage.ListMachines(&model.MachineFilter{Tags: tags})
	}
	if err != nil {
		log.Error("MCP machine list failed", "error", err, "query", query, "tags", tags)
		return nil, mcp.NewToolErrorInternal("failed to list machines: " + err.Error())
	}

	if len(machines) == 0 {
		return mcp.NewToolResponseText("No machines found"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d machines:\n\n", len(machines)))
	for _, m := range machines {
		result.WriteString(s.formatMachineSummary(&m))
		result.WriteString("\n")
	}

	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleMachineDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	machine, err := s.storage.GetMachine(id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("machine not found: " + err.Error())
	}

	if err := s.storage.DeleteMachine(machine.ID); err != nil {
		return nil, mcp.NewToolErrorInternal("failed to delete machine: " + err.Error())
	}

	log.Info("MCP machine deleted", "id", machine.ID, "name", machine.Name)
	return mcp.NewToolResponseText(fmt.Sprintf("Deleted machine %s (%s)", machine.Name, machine.ID)), nil
}

func (s *Server) handleMachineWake(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	machine, err := s.storage.GetMachine(id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("machine not found: " + err.Error())
	}
	if machine.IPv4Address == "" {
		return nil, mcp.NewToolErrorInvalidParams("machine has no IPv4 address to verify against")
	}

	// The session must outlive this request.
	session := s.manager.StartWake(context.Background(), *machine)
	snap := session.Snapshot()

	return mcp.NewToolResponseText(fmt.Sprintf(
		"Wake session %s started for %s (%s). Poll wake_status with this session ID; the session gives up after %d attempts.",
		snap.SessionID, machine.Name, machine.MACAddress, snap.MaxAttempts)), nil
}

func (s *Server) handleWakeStatus(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("session_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("session_id is required: " + err.Error())
	}

	session, err := s.manager.Get(id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("wake session not found: " + err.Error())
	}

	snap := session.Snapshot()
	return mcp.NewToolResponseText(fmt.Sprintf(
		"Session %s: machine=%s state=%s attempt=%d/%d reachable=%v (%s)",
		snap.SessionID, snap.MachineName, snap.State, snap.Attempt, snap.MaxAttempts,
		snap.Reachable, snap.StatusMessage)), nil
}

func (s *Server) handleWakeCancel(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("session_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("session_id is required: " + err.Error())
	}

	session, err := s.manager.Get(id)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("wake session not found: " + err.Error())
	}

	session.Cancel()
	snap := session.Snapshot()
	return mcp.NewToolResponseText(fmt.Sprintf("Session %s is now %s", snap.SessionID, snap.State)), nil
}

func (s *Server) handleFleetStatus(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	statuses := s.poller.Status()
	if len(statuses) == 0 {
		return mcp.NewToolResponseText("No machines have been checked yet"), nil
	}

	machines, err := s.storage.ListMachines(nil)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("failed to list machines: " + err.Error())
	}
	names := make(map[string]string, len(machines))
	for _, m := range machines {
		names[m.ID] = m.Name
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Fleet status (%d machines", len(statuses)))
	if next := s.poller.NextCheckAt(); !next.IsZero() {
		result.WriteString(fmt.Sprintf(", next check %s", next.Format(time.RFC3339)))
	}
	result.WriteString("):\n\n")

	for _, st := range statuses {
		name := names[st.MachineID]
		if name == "" {
			name = st.MachineID
		}
		state := "DOWN"
		if st.LastKnownReachable {
			state = "UP"
		}
		if st.Checking {
			state += " (checking)"
		}
		result.WriteString(fmt.Sprintf("- %s: %s", name, state))
		if st.LastCheckedAt != nil {
			result.WriteString(fmt.Sprintf(", last checked %s", st.LastCheckedAt.Format(time.RFC3339)))
		}
		if st.SNMPUptime != "" {
			result.WriteString(fmt.Sprintf(", uptime %s", st.SNMPUptime))
		}
		result.WriteString("\n")
	}

	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleScheduleSave(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	machineID, err := req.String("machine_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("machine_id is required: " + err.Error())
	}
	cronExpr, err := req.String("cron_expr")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("cron_expr is required: " + err.Error())
	}
	if err := schedule.ValidateExpr(cronExpr); err != nil {
		return nil, mcp.NewToolErrorInvalidParams("invalid cron expression: " + err.Error())
	}

	machine, err := s.storage.GetMachine(machineID)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("machine not found: " + err.Error())
	}

	sched := &model.WakeSchedule{
		MachineID: machine.ID,
		CronExpr:  cronExpr,
		Enabled:   true,
	}
	sched.ID = req.StringOr("id", "")
	if enabled, err := strconv.ParseBool(req.StringOr("enabled", "true")); err == nil {
		sched.Enabled = enabled
	}

	if err := s.storage.SaveSchedule(sched); err != nil {
		return nil, mcp.NewToolErrorInternal("failed to save schedule: " + err.Error())
	}
	s.reloadRunner()

	return mcp.NewToolResponseText(fmt.Sprintf(
		"Schedule %s saved: wake %s on %q (enabled=%v)", sched.ID, machine.Name, sched.CronExpr, sched.Enabled)), nil
}

func (s *Server) handleScheduleList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	machineID, _ := req.String("machine_id")

	schedules, err := s.storage.ListSchedules(machineID)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("failed to list schedules: " + err.Error())
	}
	if len(schedules) == 0 {
		return mcp.NewToolResponseText("No wake schedules found"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d wake schedules:\n\n", len(schedules)))
	for _, sched := range schedules {
		result.WriteString(fmt.Sprintf("- %s: machine=%s expr=%q enabled=%v\n",
			sched.ID, sched.MachineID, sched.CronExpr, sched.Enabled))
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleScheduleDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	if err := s.storage.DeleteSchedule(id); err != nil {
		return nil, mcp.NewToolErrorInternal("failed to delete schedule: " + err.Error())
	}
	s.reloadRunner()

	return mcp.NewToolResponseText(fmt.Sprintf("Deleted schedule %s", id)), nil
}

func (s *Server) reloadRunner() {
	if s.runner == nil {
		return
	}
	if err := s.runner.Reload(); err != nil {
		log.Error("Schedule runner reload failed", "error", err)
	}
}

func (s *Server) machineToResponse(machine *model.Machine) *mcp.ToolResponse {
	return mcp.NewToolResponseText(s.formatMachineSummary(machine))
}

func (s *Server) formatMachineSummary(machine *model.Machine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", machine.Name, machine.ID)
	if machine.Description != "" {
		fmt.Fprintf(&b, "  Description: %s\n", machine.Description)
	}
	fmt.Fprintf(&b, "  MAC: %s\n", machine.MACAddress)
	if machine.IPv4Address != "" {
		fmt.Fprintf(&b, "  IP: %s (ping port %d)\n", machine.IPv4Address, machine.PingPort)
	}
	if machine.BroadcastAddress != "" {
		fmt.Fprintf(&b, "  Broadcast: %s\n", machine.BroadcastAddress)
	}
	if len(machine.Tags) > 0 {
		fmt.Fprintf(&b, "  Tags: %s\n", strings.Join(machine.Tags, ", "))
	}
	return b.String()
}
