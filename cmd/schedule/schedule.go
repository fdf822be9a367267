package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paularlott/cli"

	"github.com/wolfleet/wolfleet/internal/model"
	"github.com/wolfleet/wolfleet/internal/schedule"
	"github.com/wolfleet/wolfleet/internal/storage"
)

// Commands returns the wake schedule subcommands. Schedules written locally
// are picked up by the server on its next schedule reload; writing through
// --server applies them immediately.
func Commands() []*cli.Command {
	return []*cli.Command{
		addCommand(),
		listCommand(),
		deleteCommand(),
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Data directory path",
			DefaultValue: "./data",
			EnvVars:      []string{"WOLFLEET_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "Server URL (e.g. http://localhost:8080); uses local storage when empty",
			EnvVars: []string{"WOLFLEET_SERVER"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Bearer token for server API authentication",
			EnvVars: []string{"WOLFLEET_API_TOKEN"},
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:        "add",
		Usage:       "Add a wake schedule",
		Description: "Schedule a recurring wake for a machine with a cron expression",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "machine", Usage: "Machine ID or name", Required: true},
			&cli.StringFlag{Name: "cron", Usage: "Cron expression (e.g. '0 7 * * 1-5')", Required: true},
			&cli.BoolFlag{Name: "disabled", Usage: "Create the schedule disabled"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			expr := cmd.GetString("cron")
			if err := schedule.ValidateExpr(expr); err != nil {
				return fmt.Errorf("invalid cron expression: %w", err)
			}

			sched := &model.WakeSchedule{
				MachineID: cmd.GetString("machine"),
				CronExpr:  expr,
				Enabled:   !cmd.GetBool("disabled"),
			}
			if url := cmd.GetString("server"); url != "" {
				return addRemote(url, cmd.GetString("token"), sched)
			}
			return addLocal(cmd, sched)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List wake schedules",
		Description: "List wake schedules, optionally for one machine",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "machine", Usage: "Limit to one machine ID"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			machineID := cmd.GetString("machine")
			if url := cmd.GetString("server"); url != "" {
				return listRemote(url, cmd.GetString("token"), machineID)
			}
			return listLocal(cmd, machineID)
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a wake schedule",
		Description: "Remove a wake schedule by ID",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: commonFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			if url := cmd.GetString("server"); url != "" {
				return deleteRemote(url, cmd.GetString("token"), id)
			}
			return deleteLocal(cmd, id)
		},
	}
}

// Local storage operations

func addLocal(cmd *cli.Command, sched *model.WakeSchedule) error {
	store, err := storage.NewStorage(cmd.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer store.Close()

	// Resolve the machine reference so a name works as well as an ID.
	machine, err := store.GetMachine(sched.MachineID)
	if err != nil {
		return fmt.Errorf("failed to get machine: %w", err)
	}
	sched.MachineID = machine.ID

	if err := store.SaveSchedule(sched); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	fmt.Printf("Schedule created: %s (%s -> %s)\n", sched.ID, sched.CronExpr, machine.Name)
	return nil
}

func listLocal(cmd *cli.Command, machineID string) error {
	store, err := storage.NewStorage(cmd.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer store.Close()

	schedules, err := store.ListSchedules(machineID)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}
	printSchedules(schedules)
	return nil
}

func deleteLocal(cmd *cli.Command, id string) error {
	store, err := storage.NewStorage(cmd.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer store.Close()

	if err := store.DeleteSchedule(id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	fmt.Println("Schedule deleted")
	return nil
}

// Remote API operations

func doRequest(method, url, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return resp, nil
}

func addRemote(serverURL, token string, sched *model.WakeSchedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}

	resp, err := doRequest("POST", serverURL+"/api/schedules", token, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(sched); err != nil {
		return err
	}
	fmt.Printf("Schedule created: %s (%s)\n", sched.ID, sched.CronExpr)
	return nil
}

func listRemote(serverURL, token, machineID string) error {
	url := serverURL + "/api/schedules"
	if machineID != "" {
		url += "?machine_id=" + machineID
	}

	resp, err := doRequest("GET", url, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var schedules []model.WakeSchedule
	if err := json.NewDecoder(resp.Body).Decode(&schedules); err != nil {
		return err
	}
	printSchedules(schedules)
	return nil
}

func deleteRemote(serverURL, token, id string) error {
	resp, err := doRequest("DELETE", serverURL+"/api/schedules/"+id, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("schedule not found")
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	fmt.Println("Schedule deleted")
	return nil
}

func printSchedules(schedules []model.WakeSchedule) {
	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return
	}

	for _, s := range schedules {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.MachineID, s.CronExpr, state)
	}
}
