package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paularlott/cli"

	"github.com/wolfleet/wolfleet/internal/api"
	"github.com/wolfleet/wolfleet/internal/config"
	"github.com/wolfleet/wolfleet/internal/fleet"
	"github.com/wolfleet/wolfleet/internal/log"
	"github.com/wolfleet/wolfleet/internal/mcp"
	"github.com/wolfleet/wolfleet/internal/probe"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
	"github.com/wolfleet/wolfleet/internal/wol"
)

// ServerConfig holds the assembled services for running the server.
type ServerConfig struct {
	Config     *config.Config
	Store      storage.Storage
	Manager    *wake.Manager
	Poller     *fleet.Poller
	Runner     *schedule.Runner
	MCPServer  *mcp.Server
	APIHandler *api.Handler
}

// RunServer starts the wolfleet server with the given configuration.
func RunServer(cfg *ServerConfig) error {
	mux := http.NewServeMux()

	// API routes
	cfg.APIHandler.RegisterRoutes(mux)

	// MCP endpoint
	mux.HandleFunc("/mcp", cfg.MCPServer.GetHTTPHandler())

	// Apply middleware
	var handler http.Handler = mux
	if cfg.Config.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.Config.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)

	server := &http.Server{
		Addr:    cfg.Config.ListenAddr,
		Handler: handler,
	}

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutting down server...")
		server.Close()
	}()

	log.Info("Starting wolfleet server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	if cfg.Config.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	cfg.MCPServer.LogStartup()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the wolfleet server",
		Description: "Start the HTTP server with the fleet status poller, wake API, schedule runner and MCP endpoint",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.FromCommand(cmd)
			if err != nil {
				log.Error("Invalid configuration", "error", err)
				return err
			}

			log.Info("Configuration loaded",
				"data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr,
				"poll_interval", cfg.PollInterval, "wol_port", cfg.WoLPort)

			store, err := storage.NewStorage(cfg.DataDir)
			if err != nil {
				log.Error("Failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()
			log.Info("Storage initialized", "backend", "SQLite", "path", cfg.DataDir)

			// Wake pipeline: transmitter -> orchestrator -> session manager
			transmitter := wol.NewTransmitter(cfg.SendTimeout)
			prober := probe.NewTCPProber()
			orchestrator := wake.NewOrchestrator(transmitter, prober, wake.Options{
				InitialDelay: cfg.WakeInitialDelay,
				Cadence:      cfg.WakeCadence,
				ProbeTimeout: cfg.LongProbeTimeout,
				MaxAttempts:  cfg.WakeMaxAttempts,
				WoLPort:      cfg.WoLPort,
			})
			manager := wake.NewManager(orchestrator)

			// Fleet status poller with SNMP uptime enrichment
			poller := fleet.NewPoller(store, prober, fleet.NewSNMPQuerier(), cfg.ShortProbeTimeout)
			poller.Start(cfg.PollInterval)
			defer poller.Stop()

			// Scheduled wakes
			runner := schedule.NewRunner(store, manager)
			if err := runner.Start(); err != nil {
				log.Error("Failed to start schedule runner", "error", err)
				return err
			}
			defer runner.Stop()

			apiHandler := api.NewHandler(store, manager, poller, runner)
			mcpServer := mcp.NewServer(store, manager, poller, runner, cfg.MCPAuthToken)

			serverConfig := &ServerConfig{
				Config:     cfg,
				Store:      store,
				Manager:    manager,
				Poller:     poller,
				Runner:     runner,
				MCPServer:  mcpServer,
				APIHandler: apiHandler,
			}

			return RunServer(serverConfig)
		},
	}
}
