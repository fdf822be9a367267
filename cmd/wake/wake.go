package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/paularlott/cli"
	"golang.org/x/term"

	"github.com/wolfleet/wolfleet/internal/config"
	"github.com/wolfleet/wolfleet/internal/probe"
	"github.com/wolfleet/wolfleet/internal/storage"
	"github.com/wolfleet/wolfleet/internal/wake"
	"github.com/wolfleet/wolfleet/internal/wol"
)

// Command returns the one-shot wake command. Without --server it loads the
// machine from the local data directory, sends the magic packet itself and
// verifies reachability in process. With --server it asks a running server
// to do the same and follows the session until it finishes.
func Command() *cli.Command {
	return &cli.Command{
		Name:        "wake",
		Usage:       "Wake a machine and verify it comes online",
		Description: "Send a Wake-on-LAN magic packet to a registered machine and probe it until it responds or attempts run out",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
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
				Usage:   "Server URL (e.g. http://localhost:8080); wakes locally when empty",
				EnvVars: []string{"WOLFLEET_SERVER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for server API authentication",
				EnvVars: []string{"WOLFLEET_API_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Send the magic packet and exit without verifying",
			},
			&cli.IntFlag{
				Name:         "max-attempts",
				Usage:        "Probe attempts before giving up",
				DefaultValue: 30,
			},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			if url := cmd.GetString("server"); url != "" {
				token, err := resolveToken(cmd.GetString("token"))
				if err != nil {
					return err
				}
				return wakeRemote(ctx, url, token, id, cmd.GetBool("no-wait"))
			}
			return wakeLocal(ctx, cmd, id)
		},
	}
}

// resolveToken prompts for the API token on a terminal when it was not
// supplied through the flag or environment.
func resolveToken(token string) (string, error) {
	if token != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return token, nil
	}
	fmt.Fprint(os.Stderr, "API token (empty for none): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return string(raw), nil
}

func wakeLocal(ctx context.Context, cmd *cli.Command, id string) error {
	cfg := config.Default()
	cfg.DataDir = cmd.GetString("data-dir")

	store, err := storage.NewStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer store.Close()

	machine, err := store.GetMachine(id)
	if err != nil {
		return fmt.Errorf("failed to get machine: %w", err)
	}

	transmitter := wol.NewTransmitter(cfg.SendTimeout)

	if cmd.GetBool("no-wait") {
		transmitter.Send(machine.MACAddress, machine.BroadcastAddress, cfg.WoLPort)
		fmt.Printf("Magic packet sent to %s\n", machine.Name)
		return nil
	}
	if machine.IPv4Address == "" {
		return fmt.Errorf("machine %s has no IPv4 address to verify against; use --no-wait", machine.Name)
	}

	orchestrator := wake.NewOrchestrator(transmitter, probe.NewTCPProber(), wake.Options{
		InitialDelay: cfg.WakeInitialDelay,
		Cadence:      cfg.WakeCadence,
		ProbeTimeout: cfg.LongProbeTimeout,
		MaxAttempts:  cmd.GetInt("max-attempts"),
		WoLPort:      cfg.WoLPort,
	})

	session := orchestrator.Wake(ctx, *machine)
	session.OnUpdate(printProgress)

	<-session.Done()
	return reportOutcome(session.Snapshot())
}

func printProgress(snap wake.Snapshot) {
	switch snap.State {
	case wake.StateSending.String():
		fmt.Printf("Sending magic packet to %s...\n", snap.MachineName)
	case wake.StateWaiting.String():
		fmt.Printf("Probing %s (attempt %d/%d)\n", snap.MachineName, snap.Attempt, snap.MaxAttempts)
	}
}

func reportOutcome(snap wake.Snapshot) error {
	switch snap.State {
	case wake.StateSuccess.String():
		fmt.Printf("%s is online (%s)\n", snap.MachineName, snap.StatusMessage)
		return nil
	case wake.StateCancelled.String():
		return fmt.Errorf("wake cancelled")
	default:
		return fmt.Errorf("%s did not come online: %s", snap.MachineName, snap.StatusMessage)
	}
}

func wakeRemote(ctx context.Context, serverURL, token, id string, noWait bool) error {
	client := &http.Client{Timeout: 30 * time.Second}

	snap, err := startRemoteWake(client, serverURL, token, id)
	if err != nil {
		return err
	}
	fmt.Printf("Wake session started: %s\n", snap.SessionID)
	if noWait {
		return nil
	}

	// Follow the session until it reaches a terminal state.
	lastAttempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		snap, err = fetchRemoteSession(client, serverURL, token, snap.SessionID)
		if err != nil {
			return err
		}
		if snap.Attempt > lastAttempt {
			lastAttempt = snap.Attempt
			fmt.Printf("Probing %s (attempt %d/%d)\n", snap.MachineName, snap.Attempt, snap.MaxAttempts)
		}
		if snap.State == wake.StateSuccess.String() ||
			snap.State == wake.StateTimedOut.String() ||
			snap.State == wake.StateCancelled.String() {
			return reportOutcome(snap)
		}
	}
}

func startRemoteWake(client *http.Client, serverURL, token, id string) (wake.Snapshot, error) {
	var snap wake.Snapshot

	req, err := http.NewRequest("POST", serverURL+"/api/machines/"+id+"/wake", nil)
	if err != nil {
		return snap, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return snap, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return snap, fmt.Errorf("machine not found")
	}
	if resp.StatusCode != http.StatusAccepted {
		return snap, fmt.Errorf("server error: %s", resp.Status)
	}

	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}

func fetchRemoteSession(client *http.Client, serverURL, token, sessionID string) (wake.Snapshot, error) {
	var snap wake.Snapshot

	req, err := http.NewRequest("GET", serverURL+"/api/wake/"+sessionID, nil)
	if err != nil {
		return snap, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return snap, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("server error: %s", resp.Status)
	}

	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}
