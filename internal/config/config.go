package config

import (
	"fmt"
	"time"

	"github.com/paularlott/cli"

	"github.com/wolfleet/wolfleet/internal/model"
)

// Config holds the application configuration.
type Config struct {
	DataDir      string
	ListenAddr   string
	APIAuthToken string
	MCPAuthToken string

	WoLPort     uint16        // UDP destination port for magic packets
	SendTimeout time.Duration // per-UDP-write deadline

	PollInterval      time.Duration // fleet status poll interval
	ShortProbeTimeout time.Duration // fleet check probe timeout
	LongProbeTimeout  time.Duration // wake verification probe timeout

	WakeInitialDelay time.Duration // delay between send and first probe
	WakeCadence      time.Duration // delay before each probe attempt
	WakeMaxAttempts  int           // probe attempts before giving up
}

// GetFlags returns the CLI flags the server command exposes. Every flag can
// also be supplied through a WOLFLEET_* environment variable or .env file.
func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Data directory path",
			DefaultValue: "./data",
			EnvVars:      []string{"WOLFLEET_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:         "addr",
			Usage:        "Server listen address (e.g., :8080)",
			DefaultValue: ":8080",
			EnvVars:      []string{"WOLFLEET_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "Bearer token for API authentication (empty disables auth)",
			EnvVars: []string{"WOLFLEET_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "mcp-token",
			Usage:   "Bearer token for MCP authentication (empty disables auth)",
			EnvVars: []string{"WOLFLEET_MCP_TOKEN"},
		},
		&cli.IntFlag{
			Name:         "wol-port",
			Usage:        "UDP destination port for Wake-on-LAN packets",
			DefaultValue: 9,
			EnvVars:      []string{"WOLFLEET_WOL_PORT"},
		},
		&cli.IntFlag{
			Name:         "poll-interval",
			Usage:        "Fleet status poll interval in seconds (30, 60, 120, 300, 600 or 1800)",
			DefaultValue: 60,
			EnvVars:      []string{"WOLFLEET_POLL_INTERVAL"},
		},
		&cli.IntFlag{
			Name:         "probe-timeout",
			Usage:        "Fleet status probe timeout in seconds",
			DefaultValue: 2,
			EnvVars:      []string{"WOLFLEET_PROBE_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:         "wake-probe-timeout",
			Usage:        "Wake verification probe timeout in seconds",
			DefaultValue: 5,
			EnvVars:      []string{"WOLFLEET_WAKE_PROBE_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:         "wake-max-attempts",
			Usage:        "Wake verification probe attempts before giving up",
			DefaultValue: 30,
			EnvVars:      []string{"WOLFLEET_WAKE_MAX_ATTEMPTS"},
		},
	}
}

// FromCommand builds the configuration from resolved CLI flags. It rejects
// values the server could not honor, such as an off-preset poll interval.
func FromCommand(cmd *cli.Command) (*Config, error) {
	cfg := &Config{
		DataDir:           cmd.GetString("data-dir"),
		ListenAddr:        cmd.GetString("addr"),
		APIAuthToken:      cmd.GetString("api-token"),
		MCPAuthToken:      cmd.GetString("mcp-token"),
		WoLPort:           uint16(cmd.GetInt("wol-port")),
		SendTimeout:       1 * time.Second,
		PollInterval:      time.Duration(cmd.GetInt("poll-interval")) * time.Second,
		ShortProbeTimeout: time.Duration(cmd.GetInt("probe-timeout")) * time.Second,
		LongProbeTimeout:  time.Duration(cmd.GetInt("wake-probe-timeout")) * time.Second,
		WakeInitialDelay:  1 * time.Second,
		WakeCadence:       2 * time.Second,
		WakeMaxAttempts:   cmd.GetInt("wake-max-attempts"),
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults, used by one-shot CLI commands that
// do not expose the full server flag set.
func Default() *Config {
	return (&Config{}).withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.WoLPort == 0 {
		c.WoLPort = 9
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 1 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ShortProbeTimeout <= 0 {
		c.ShortProbeTimeout = 2 * time.Second
	}
	if c.LongProbeTimeout <= 0 {
		c.LongProbeTimeout = 5 * time.Second
	}
	if c.WakeInitialDelay <= 0 {
		c.WakeInitialDelay = 1 * time.Second
	}
	if c.WakeCadence <= 0 {
		c.WakeCadence = 2 * time.Second
	}
	if c.WakeMaxAttempts <= 0 {
		c.WakeMaxAttempts = 30
	}
	return c
}

// Validate checks the configuration against the values the server can honor.
// The poll interval must be one of the presets the status UI offers, the same
// rule the API applies to interval updates.
func (c *Config) Validate() error {
	if !model.ValidPollInterval(c.PollInterval) {
		return fmt.Errorf("poll interval %s is not an offered preset (30s, 1m, 2m, 5m, 10m or 30m)", c.PollInterval)
	}
	return nil
}

// IsAPIAuthEnabled checks if API authentication is configured.
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsMCPEnabled checks if MCP authentication is configured.
func (c *Config) IsMCPEnabled() bool {
	return c.MCPAuthToken != ""
}
