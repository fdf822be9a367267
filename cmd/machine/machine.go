package machine

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
	"github.com/wolfleet/wolfleet/internal/storage"
)

// Commands returns the machine management subcommands. Each command works
// against the local data directory by default and against a running server
// when --server is given.
func Commands() []*cli.Command {
	return []*cli.Command{
		addCommand(),
		listCommand(),
		getCommand(),
		updateCommand(),
		deleteCommand(),
		searchCommand(),
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
		Usage:       "Register a machine",
		Description: "Register a new machine in the fleet",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "name", Usage: "Machine name", Required: true},
			&cli.StringFlag{Name: "description", Usage: "Machine description"},
			&cli.StringFlag{Name: "mac", Usage: "MAC address", Required: true},
			&cli.StringFlag{Name: "ip", Usage: "IPv4 address"},
			&cli.StringFlag{Name: "mask", Usage: "Subnet mask (e.g. 255.255.255.0)"},
			&cli.StringFlag{Name: "broadcast", Usage: "Broadcast address (derived from ip/mask when empty)"},
			&cli.IntFlag{Name: "ping-port", Usage: "TCP port probed for reachability", DefaultValue: 22},
			&cli.StringFlag{Name: "snmp-community", Usage: "SNMP community for uptime queries"},
			&cli.StringFlag{Name: "tags", Usage: "Comma-separated tags"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			machine := machineFromFlags(cmd)
			if url := cmd.GetString("server"); url != "" {
				return addRemote(url, cmd.GetString("token"), machine)
			}
			return addLocal(cmd, machine)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List machines",
		Description: "List all registered machines",
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "filter", Usage: "Filter by tags (comma-separated)"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			tags := parseList(cmd.GetString("filter"))
			if url := cmd.GetString("server"); url != "" {
				return listRemote(url, cmd.GetString("token"), tags)
			}
			return listLocal(cmd, tags)
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:        "get",
		Usage:       "Show a machine",
		Description: "Show a machine by ID or name",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: commonFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			if url := cmd.GetString("server"); url != "" {
				return getRemote(url, cmd.GetString("token"), id)
			}
			return getLocal(cmd, id)
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:        "update",
		Usage:       "Update a machine",
		Description: "Update an existing machine; only the given flags change",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: append(commonFlags(),
			&cli.StringFlag{Name: "name", Usage: "Machine name"},
			&cli.StringFlag{Name: "description", Usage: "Machine description"},
			&cli.StringFlag{Name: "mac", Usage: "MAC address"},
			&cli.StringFlag{Name: "ip", Usage: "IPv4 address"},
			&cli.StringFlag{Name: "mask", Usage: "Subnet mask"},
			&cli.StringFlag{Name: "broadcast", Usage: "Broadcast address"},
			&cli.IntFlag{Name: "ping-port", Usage: "TCP port probed for reachability"},
			&cli.StringFlag{Name: "snmp-community", Usage: "SNMP community for uptime queries"},
			&cli.StringFlag{Name: "tags", Usage: "Comma-separated tags"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			updates := machineFromFlags(cmd)
			if url := cmd.GetString("server"); url != "" {
				return updateRemote(url, cmd.GetString("token"), id, updates)
			}
			return updateLocal(cmd, id, updates)
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a machine",
		Description: "Remove a machine from the fleet",
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

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:        "search",
		Usage:       "Search machines",
		Description: "Search machines by name, MAC, IP or tag",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "query", Required: true},
		},
		Flags: commonFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			query := cmd.GetStringArg("query")
			if url := cmd.GetString("server"); url != "" {
				return searchRemote(url, cmd.GetString("token"), query)
			}
			return searchLocal(cmd, query)
		},
	}
}

func machineFromFlags(cmd *cli.Command) *model.Machine {
	return &model.Machine{
		Name:             cmd.GetString("name"),
		Description:      cmd.GetString("description"),
		MACAddress:       cmd.GetString("mac"),
		IPv4Address:      cmd.GetString("ip"),
		Mask:             cmd.GetString("mask"),
		BroadcastAddress: cmd.GetString("broadcast"),
		PingPort:         cmd.GetInt("ping-port"),
		SNMPCommunity:    cmd.GetString("snmp-community"),
		Tags:             parseList(cmd.GetString("tags")),
	}
}

func openStore(cmd *cli.Command) (storage.Storage, error) {
	store, err := storage.NewStorage(cmd.GetString("data-dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	return store, nil
}

// Local storage operations

func addLocal(cmd *cli.Command, machine *model.Machine) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateMachine(machine); err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	fmt.Printf("Machine created: %s (ID: %s)\n", machine.Name, machine.ID)
	return nil
}

func listLocal(cmd *cli.Command, tags []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	machines, err := store.ListMachines(&model.MachineFilter{Tags: tags})
	if err != nil {
		return fmt.Errorf("failed to list machines: %w", err)
	}
	printMachines(machines)
	return nil
}

func getLocal(cmd *cli.Command, id string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	machine, err := store.GetMachine(id)
	if err != nil {
		return fmt.Errorf("failed to get machine: %w", err)
	}
	printMachine(machine)
	return nil
}

func updateLocal(cmd *cli.Command, id string, updates *model.Machine) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	machine, err := store.GetMachine(id)
	if err != nil {
		return fmt.Errorf("failed to get machine: %w", err)
	}
	applyUpdates(machine, updates)

	if err := store.UpdateMachine(machine); err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}
	fmt.Printf("Machine updated: %s\n", machine.Name)
	return nil
}

func deleteLocal(cmd *cli.Command, id string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteMachine(id); err != nil {
		return fmt.Errorf("failed to delete machine: %w", err)
	}
	fmt.Println("Machine deleted")
	return nil
}

func searchLocal(cmd *cli.Command, query string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	machines, err := store.SearchMachines(query)
	if err != nil {
		return fmt.Errorf("failed to search machines: %w", err)
	}
	printMachines(machines)
	return nil
}

// applyUpdates copies the non-empty fields of updates onto machine.
func applyUpdates(machine, updates *model.Machine) {
	if updates.Name != "" {
		machine.Name = updates.Name
	}
	if updates.Description != "" {
		machine.Description = updates.Description
	}
	if updates.MACAddress != "" {
		machine.MACAddress = updates.MACAddress
	}
	if updates.IPv4Address != "" {
		machine.IPv4Address = updates.IPv4Address
	}
	if updates.Mask != "" {
		machine.Mask = updates.Mask
	}
	if updates.BroadcastAddress != "" {
		machine.BroadcastAddress = updates.BroadcastAddress
	}
	if updates.PingPort != 0 {
		machine.PingPort = updates.PingPort
	}
	if updates.SNMPCommunity != "" {
		machine.SNMPCommunity = updates.SNMPCommunity
	}
	if updates.Tags != nil {
		machine.Tags = updates.Tags
	}
}

// Remote API operations

func newClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func doRequest(client *http.Client, method, url, token string, body io.Reader) (*http.Response, error) {
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
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return resp, nil
}

func addRemote(serverURL, token string, machine *model.Machine) error {
	data, err := json.Marshal(machine)
	if err != nil {
		return err
	}

	resp, err := doRequest(newClient(), "POST", serverURL+"/api/machines", token, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(machine); err != nil {
		return err
	}

	fmt.Printf("Machine created: %s (ID: %s)\n", machine.Name, machine.ID)
	return nil
}

func listRemote(serverURL, token string, tags []string) error {
	url := serverURL + "/api/machines"
	for i, tag := range tags {
		if i == 0 {
			url += "?tag=" + tag
		} else {
			url += "&tag=" + tag
		}
	}

	resp, err := doRequest(newClient(), "GET", url, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var machines []model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return err
	}

	printMachines(machines)
	return nil
}

func getRemote(serverURL, token, id string) error {
	resp, err := doRequest(newClient(), "GET", serverURL+"/api/machines/"+id, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("machine not found")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var machine model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machine); err != nil {
		return err
	}

	printMachine(&machine)
	return nil
}

func updateRemote(serverURL, token, id string, updates *model.Machine) error {
	// Fetch, merge, put back so unset flags keep their stored values.
	resp, err := doRequest(newClient(), "GET", serverURL+"/api/machines/"+id, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("machine not found")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var machine model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machine); err != nil {
		return err
	}
	applyUpdates(&machine, updates)

	data, err := json.Marshal(&machine)
	if err != nil {
		return err
	}

	putResp, err := doRequest(newClient(), "PUT", serverURL+"/api/machines/"+machine.ID, token, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	defer putResp.Body.Close()

	if putResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(putResp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	fmt.Printf("Machine updated: %s\n", machine.Name)
	return nil
}

func deleteRemote(serverURL, token, id string) error {
	resp, err := doRequest(newClient(), "DELETE", serverURL+"/api/machines/"+id, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("machine not found")
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	fmt.Println("Machine deleted")
	return nil
}

func searchRemote(serverURL, token, query string) error {
	resp, err := doRequest(newClient(), "GET", serverURL+"/api/search?q="+query, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", resp.Status)
	}

	var machines []model.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return err
	}

	printMachines(machines)
	return nil
}

// Output helpers

func printMachines(machines []model.Machine) {
	if len(machines) == 0 {
		fmt.Println("No machines found")
		return
	}

	for _, m := range machines {
		fmt.Printf("%s\t%s\t%s\t%s\n", m.ID, m.Name, m.MACAddress, m.IPv4Address)
	}
}

func printMachine(machine *model.Machine) {
	fmt.Printf("ID:          %s\n", machine.ID)
	fmt.Printf("Name:        %s\n", machine.Name)
	fmt.Printf("Description: %s\n", machine.Description)
	fmt.Printf("MAC:         %s\n", machine.MACAddress)
	fmt.Printf("IPv4:        %s\n", machine.IPv4Address)
	fmt.Printf("Mask:        %s\n", machine.Mask)
	fmt.Printf("Broadcast:   %s\n", machine.BroadcastAddress)
	fmt.Printf("Ping port:   %d\n", machine.PingPort)
	if machine.SNMPCommunity != "" {
		fmt.Printf("SNMP:        community set\n")
	}
	fmt.Printf("Tags:        %s\n", strings.Join(machine.Tags, ", "))
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
