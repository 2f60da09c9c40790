package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/hamnetlabs/stationbridge/pkg/otel"
	"github.com/hamnetlabs/stationbridge/pkg/rpc"
	"github.com/hamnetlabs/stationbridge/pkg/station"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("stationbridge " + version)
			return
		}
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("stationbridge " + version)
			return
		case "init":
			initCmd()
			return
		case "run":
			runCmd()
			return
		case "status":
			statusCmd()
			return
		case "peers":
			peersCmd()
			return
		case "nodes":
			nodesCmd()
			return
		case "send":
			sendCmd()
			return
		}
	}

	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`stationbridge - bridge isolated mesh-radio islands over the Internet

USAGE:
  stationbridge <command> [options]

COMMANDS:
  init      Create the station file (identity, keys, network membership)
  run       Run the bridge daemon
  status    Show daemon status
  peers     List discovered stations
  nodes     List the cross-station node registry
  send      Send a text message to a node behind another station
  version   Show version information

EXAMPLES:
  # Create a station identity and join the "summit-net" network:
  stationbridge init --id W1AW-hq --name "HQ Station" --network summit-net

  # Run the daemon (configuration via environment, see README):
  stationbridge run

  # Query the running daemon:
  stationbridge status
  stationbridge peers
  stationbridge nodes
  stationbridge send --to KB2XYZ-station --node 305419896 "hello from hq"

  Query commands talk to the daemon over its control socket
  (STATIONBRIDGE_SOCKET overrides the default path).`)
}

// initCmd handles "init": generate keys, collect the network secret and
// write the station file.
func initCmd() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	stationID := fs.String("id", "", "Station ID (3-20 chars, letters/digits/hyphen) (required)")
	displayName := fs.String("name", "", "Human-readable station name")
	location := fs.String("location", "", "Station location (optional)")
	operator := fs.String("operator", "", "Operator callsign or name (optional)")
	network := fs.String("network", "", "Discovery network name (required)")
	generate := fs.Bool("generate-secret", false, "Generate a new network secret instead of prompting")
	keySize := fs.Int("key-size", station.DefaultKeySize, "RSA key size in bits")
	configPath := fs.String("config", station.DefaultStationFilePath(), "Station file path")
	force := fs.Bool("force", false, "Overwrite an existing station file")
	fs.Parse(os.Args[2:])

	if *stationID == "" || *network == "" {
		fmt.Fprintln(os.Stderr, "Error: --id and --network are required")
		fmt.Fprintln(os.Stderr, "Usage: stationbridge init --id <STATION_ID> --network <NETWORK>")
		os.Exit(1)
	}

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Station file already exists: %s (use --force to overwrite)\n", *configPath)
		os.Exit(1)
	}

	var secret string
	var err error
	if *generate {
		secret, err = station.GenerateSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate network secret: %v\n", err)
			os.Exit(1)
		}
	} else {
		secret, err = promptSecretTwice()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read network secret: %v\n", err)
			os.Exit(1)
		}
	}

	name := *displayName
	if name == "" {
		name = *stationID
	}

	fmt.Printf("Generating %d-bit RSA keypair...\n", *keySize)
	file, err := station.NewStationFile(station.Identity{
		StationID:   *stationID,
		DisplayName: name,
		Location:    *location,
		Operator:    *operator,
	}, *network, secret, *keySize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create station file: %v\n", err)
		os.Exit(1)
	}

	if err := file.Save(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save station file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Station file written to %s\n", *configPath)
	fmt.Println()
	if *generate {
		fmt.Println("Generated network secret (share with the other stations):")
		fmt.Println()
		fmt.Println("  " + secret)
		fmt.Println()
	}
	fmt.Println("Next: start the daemon with 'stationbridge run'")
}

// promptSecretTwice reads the network secret without echo, twice, and
// verifies both entries match. Falls back to plain line reads when
// stdin is not a terminal (piped input).
func promptSecretTwice() (string, error) {
	first, err := promptSecret("Enter network secret: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("network secret must not be empty")
	}

	second, err := promptSecret("Confirm network secret: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("secrets do not match")
	}
	return first, nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// runCmd handles "run": load configuration and station file, start the
// daemon and block until a signal.
func runCmd() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", station.DefaultStationFilePath(), "Station file path")
	fs.Parse(os.Args[2:])

	cfg := station.FromEnv()
	station.ConfigureLogging(cfg.LogLevel)

	file, err := station.LoadStationFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load station file: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'stationbridge init' first.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := otel.Init(ctx, "stationbridge", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry disabled: %v\n", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	s, err := station.New(cfg, file, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create station: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting station %s (%s)\n", file.Identity.StationID, file.Identity.DisplayName)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
		os.Exit(1)
	}
}

// dialDaemon connects to the running daemon's control socket.
func dialDaemon() *rpc.Client {
	socketPath := rpc.GetSocketPath()

	client, err := rpc.NewClient(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Is the stationbridge daemon running?")
		fmt.Fprintln(os.Stderr, "  Start with: stationbridge run")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", socketPath)
		os.Exit(1)
	}
	return client
}

// statusCmd handles "status": query status.get and print a summary.
func statusCmd() {
	client := dialDaemon()
	defer client.Close()

	result, err := client.Call("status.get", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	status, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}

	stationID, _ := status["station_id"].(string)
	displayName, _ := status["display_name"].(string)
	daemonVersion, _ := status["version"].(string)

	fmt.Printf("Station Status\n")
	fmt.Printf("==============\n")
	fmt.Printf("Station ID:    %s\n", stationID)
	fmt.Printf("Display Name:  %s\n", displayName)
	fmt.Printf("Version:       %s\n", daemonVersion)
	if uptimeNS, ok := status["uptime"].(float64); ok {
		fmt.Printf("Uptime:        %s\n", formatDuration(time.Duration(uptimeNS)))
	}
	fmt.Println()
	fmt.Printf("Connected peers:   %d\n", intField(status, "connected_peers"))
	fmt.Printf("Known peers:       %d\n", intField(status, "known_peers"))
	fmt.Printf("Local nodes:       %d\n", intField(status, "local_nodes"))
	fmt.Printf("Remote nodes:      %d\n", intField(status, "remote_nodes"))
	fmt.Printf("Messages sent:     %d\n", intField(status, "messages_sent"))
	fmt.Printf("Messages received: %d\n", intField(status, "messages_received"))
}

func intField(m map[string]interface{}, key string) int64 {
	v, _ := m[key].(float64)
	return int64(v)
}

// peersCmd handles "peers": list discovered stations.
func peersCmd() {
	client := dialDaemon()
	defer client.Close()

	result, err := client.Call("peers.list", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	resultMap, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	peersData, ok := resultMap["peers"].([]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid peers data")
		os.Exit(1)
	}

	if len(peersData) == 0 {
		fmt.Println("No peers discovered")
		return
	}

	fmt.Printf("%-22s %-22s %-10s %-11s %s\n",
		"STATION", "ADDRESS", "CONNECTED", "TRANSPORT", "LAST SEEN")
	fmt.Println(strings.Repeat("-", 80))

	for _, peerData := range peersData {
		peer, ok := peerData.(map[string]interface{})
		if !ok {
			continue
		}

		stationID, _ := peer["station_id"].(string)
		address, _ := peer["address"].(string)
		transport, _ := peer["transport"].(string)
		connected, _ := peer["connected"].(bool)

		connectedStr := "no"
		if connected {
			connectedStr = "yes"
		}
		if transport == "" {
			transport = "-"
		}

		fmt.Printf("%-22s %-22s %-10s %-11s %s\n",
			stationID, address, connectedStr, transport, lastSeenAgo(peer))
	}
}

// nodesCmd handles "nodes": list the node registry, or the conflict
// audit with --conflicts.
func nodesCmd() {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	conflicts := fs.Bool("conflicts", false, "Show the node-id conflict audit instead of the registry")
	fs.Parse(os.Args[2:])

	client := dialDaemon()
	defer client.Close()

	if *conflicts {
		printConflicts(client)
		return
	}

	result, err := client.Call("nodes.list", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	resultMap, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	nodesData, ok := resultMap["nodes"].([]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid nodes data")
		os.Exit(1)
	}

	if len(nodesData) == 0 {
		fmt.Println("Registry is empty")
		return
	}

	fmt.Printf("%-12s %-22s %-20s %-7s %-7s %s\n",
		"NODE ID", "STATION", "NAME", "ONLINE", "WHERE", "LAST SEEN")
	fmt.Println(strings.Repeat("-", 84))

	for _, nodeData := range nodesData {
		node, ok := nodeData.(map[string]interface{})
		if !ok {
			continue
		}

		nodeID := intField(node, "node_id")
		stationID, _ := node["station_id"].(string)
		name, _ := node["name"].(string)
		online, _ := node["online"].(bool)
		local, _ := node["local"].(bool)

		onlineStr := "no"
		if online {
			onlineStr = "yes"
		}
		whereStr := "remote"
		if local {
			whereStr = "local"
		}

		fmt.Printf("%-12d %-22s %-20s %-7s %-7s %s\n",
			nodeID, stationID, name, onlineStr, whereStr, lastSeenAgo(node))
	}
}

func printConflicts(client *rpc.Client) {
	result, err := client.Call("registry.conflicts", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	resultMap, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	conflictsData, ok := resultMap["conflicts"].([]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid conflicts data")
		os.Exit(1)
	}

	if len(conflictsData) == 0 {
		fmt.Println("No node-id conflicts recorded")
		return
	}

	fmt.Printf("%-12s %-12s %-22s %s\n", "NODE ID", "STRATEGY", "WINNER", "WHEN")
	fmt.Println(strings.Repeat("-", 70))

	for _, conflictData := range conflictsData {
		conflict, ok := conflictData.(map[string]interface{})
		if !ok {
			continue
		}

		nodeID := intField(conflict, "node_id")
		strategy, _ := conflict["strategy"].(string)
		winner, _ := conflict["winner_station"].(string)
		timestamp, _ := conflict["timestamp"].(string)

		when := timestamp
		if t, err := time.Parse(time.RFC3339, timestamp); err == nil {
			when = formatDuration(time.Since(t)) + " ago"
		}

		fmt.Printf("%-12d %-12s %-22s %s\n", nodeID, strategy, winner, when)
	}
}

// sendCmd handles "send": deliver a text message to a node behind
// another station.
func sendCmd() {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	target := fs.String("to", "", "Target station ID (required)")
	node := fs.Int64("node", 0, "Destination node ID on the target station's mesh (required)")
	fs.Parse(os.Args[2:])

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *target == "" || *node == 0 || text == "" {
		fmt.Fprintln(os.Stderr, "Usage: stationbridge send --to <STATION_ID> --node <NODE_ID> <text>")
		os.Exit(1)
	}

	client := dialDaemon()
	defer client.Close()

	params := map[string]interface{}{
		"target":  *target,
		"to_node": *node,
		"text":    text,
	}
	result, err := client.Call("message.send", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		os.Exit(1)
	}

	resultMap, _ := result.(map[string]interface{})
	messageID, _ := resultMap["message_id"].(string)
	fmt.Printf("Message queued for node %d via %s (id %s)\n", *node, *target, messageID)
}

func lastSeenAgo(m map[string]interface{}) string {
	lastSeen, _ := m["last_seen"].(string)
	t, err := time.Parse(time.RFC3339, lastSeen)
	if err != nil {
		return "unknown"
	}
	return formatDuration(time.Since(t)) + " ago"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
