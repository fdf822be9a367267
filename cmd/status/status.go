package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/paularlott/cli"

	"github.com/wolfleet/wolfleet/internal/fleet"
	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/probe"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// Command returns the one-shot fleet status command. Without --server it
// probes every registered machine once from this process; with --server it
// reads the poller's current view from a running server.
func Command() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Check fleet reachability",
		Description: "Probe every registered machine once and report which are reachable",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "data-dir",
				Usage:        "Data directory path",
				DefaultValue: "./data",
				EnvVars:      []string{"WOLFLEET_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Server URL (e.g. http://localhost:8080); probes locally when empty",
				EnvVars: []string{"WOLFLEET_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for server API authentication",
				EnvVars: []string{"WOLFLEET_API_TOKEN"},
			},
			&cli.IntFlag{
				Name:         "timeout",
				Usage:        "Per-machine probe timeout in seconds",
				DefaultValue: 2,
			},
			&cli.BoolFlag{
				Name:  "ping",
				Usage: "Use ICMP echo instead of TCP probes (requires raw socket privileges)",
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			if url := cmd.GetString("server"); url != "" {
				return statusRemote(url, cmd.GetString("token"))
			}
			return statusLocal(ctx, cmd)
		},
	}
}

func statusLocal(ctx context.Context, cmd *cli.Command) error {
	store, err := storage.NewStorage(cmd.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer store.Close()

	timeout := time.Duration(cmd.GetInt("timeout")) * time.Second

	if cmd.GetBool("ping") {
		return pingFleet(ctx, store, timeout)
	}

	poller := fleet.NewPoller(store, probe.NewTCPProber(), fleet.NewSNMPQuerier(), timeout)

	machines, err := store.ListMachines(nil)
	if err != nil {
		return fmt.Errorf("failed to list machines: %w", err)
	}
	names := make(map[string]string, len(machines))
	for _, m := range machines {
		names[m.ID] = m.Name
	}

	// Results arrive machine by machine as probes complete.
	var mu sync.Mutex
	poller.OnUpdate(func(st model.MachineStatus) {
		if st.Checking {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		printStatusLine(names[st.MachineID], st)
	})

	poller.CheckAll()
	fmt.Printf("%d machines checked\n", len(machines))
	return nil
}

func pingFleet(ctx context.Context, store storage.Storage, timeout time.Duration) error {
	machines, err := store.ListMachines(nil)
	if err != nil {
		return fmt.Errorf("failed to list machines: %w", err)
	}

	pinger := probe.NewICMPPinger(timeout)
	for _, m := range machines {
		if m.IPv4Address == "" {
			fmt.Printf("%-20s no address\n", m.Name)
			continue
		}
		alive, rtt := pinger.Ping(ctx, m.IPv4Address)
		if alive {
			fmt.Printf("%-20s up   %s\n", m.Name, rtt.Round(time.Millisecond))
		} else {
			fmt.Printf("%-20s down\n", m.Name)
		}
	}
	return nil
}

func printStatusLine(name string, st model.MachineStatus) {
	state := "down"
	if st.LastKnownReachable {
		state = "up"
	}
	if st.SNMPUptime != "" {
		fmt.Printf("%-20s %-4s uptime %s\n", name, state, st.SNMPUptime)
		return
	}
	fmt.Printf("%-20s %s\n", name, state)
}

type remoteStatus struct {
	Machines    []model.MachineStatus `json:"machines"`
	Interval    string                `json:"interval"`
	NextCheckAt *time.Time            `json:"next_check_at,omitempty"`
}

func statusRemote(serverURL, token string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest("GET", serverURL+"/api/status", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var fs remoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&fs); err != nil {
		return err
	}

	sort.Slice(fs.Machines, func(i, j int) bool {
		return fs.Machines[i].MachineID < fs.Machines[j].MachineID
	})
	for _, st := range fs.Machines {
		printStatusLine(st.MachineID, st)
	}
	fmt.Printf("Poll interval: %s", fs.Interval)
	if fs.NextCheckAt != nil {
		fmt.Printf(", next check %s", fs.NextCheckAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}
