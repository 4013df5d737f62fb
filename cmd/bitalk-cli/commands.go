package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bitalk/bitalk/internal/config"
	"github.com/bitalk/bitalk/internal/ipc"
	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/pkg/topics"
)

// defaultRPCTimeout is the default timeout for RPC calls.
const defaultRPCTimeout = 5 * time.Second

// ErrMissingArgs is returned when init is called without enough arguments.
var ErrMissingArgs = errors.New("usage: bitalk-cli init <username> <description> <topic>...")

// agentClient is the part of ipc.Client the CLI uses.
type agentClient interface {
	Nearby(ctx context.Context) ([]ipc.Peer, error)
	Status(ctx context.Context) (ipc.Status, error)
	Profile(ctx context.Context) (ipc.Profile, error)
	Close() error
}

// CLI provides commands for interacting with the bitalk agent.
type CLI struct {
	agentSocket string
	profilePath string
	agentClient agentClient
	output      io.Writer
}

// NewCLI creates a new CLI instance that connects to the agent via a Unix socket.
func NewCLI(agentSocket, profilePath string) *CLI {
	return &CLI{
		agentSocket: agentSocket,
		profilePath: profilePath,
		output:      os.Stdout,
	}
}

// NewCLIWithDefaults creates a new CLI instance using default paths.
func NewCLIWithDefaults() *CLI {
	paths := config.DefaultPaths()
	return NewCLI(paths.AgentSocket, paths.ProfilePath)
}

// connectAgent establishes a connection to the agent daemon.
func (c *CLI) connectAgent() error {
	if c.agentClient != nil {
		return nil
	}

	client, err := ipc.Dial(c.agentSocket)
	if err != nil {
		return fmt.Errorf("failed to connect to agent daemon: %w", err)
	}
	c.agentClient = client
	return nil
}

// Close closes the daemon connection.
func (c *CLI) Close() {
	if c.agentClient != nil {
		c.agentClient.Close()
	}
}

// Status displays the agent status.
func (c *CLI) Status() error {
	fmt.Fprintln(c.output, "=== bitalk Status ===")
	fmt.Fprintln(c.output)
	fmt.Fprintln(c.output, "Agent Daemon:")

	if err := c.connectAgent(); err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()

	st, err := c.agentClient.Status(ctx)
	if err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(c.output, "  Status: %s\n", state)
	fmt.Fprintf(c.output, "  Scanning: %v\n", st.Scanning)
	fmt.Fprintf(c.output, "  User: %s\n", orNone(st.Username))
	fmt.Fprintf(c.output, "  Nearby Peers: %d\n", st.Peers)
	fmt.Fprintln(c.output)
	fmt.Fprintln(c.output, "Scan Monitor:")
	fmt.Fprintf(c.output, "  Scan Starts: %d (failed %d, restarts %d)\n", st.ScanStarts, st.ScanFailures, st.ScanRestarts)
	fmt.Fprintf(c.output, "  Exchanges: %d ok, %d failed\n", st.ExchangesOK, st.ExchangesFailed)
	fmt.Fprintf(c.output, "  Decode Errors: %d\n", st.DecodeErrors)
	fmt.Fprintf(c.output, "  Ignored: %d, Throttled: %d\n", st.Ignored, st.Throttled)
	fmt.Fprintf(c.output, "  Dropped Events: %d\n", st.DroppedEvents)
	return nil
}

// Nearby lists matched peers, closest first.
func (c *CLI) Nearby() error {
	if err := c.connectAgent(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()

	peers, err := c.agentClient.Nearby(ctx)
	if err != nil {
		return fmt.Errorf("failed to get nearby peers: %w", err)
	}

	if len(peers) == 0 {
		fmt.Fprintln(c.output, "No matches nearby")
		return nil
	}

	fmt.Fprintf(c.output, "Nearby Matches (%d):\n", len(peers))
	fmt.Fprintln(c.output)

	for _, p := range peers {
		fmt.Fprintf(c.output, "  %s  %s (%s)\n", p.Username, p.Distance, p.Class)
		if p.Description != "" {
			fmt.Fprintf(c.output, "    %s\n", p.Description)
		}
		fmt.Fprintf(c.output, "    Shared: %s (score %.2f)\n", strings.Join(p.MatchingTopics, ", "), p.MatchScore)
		fmt.Fprintf(c.output, "    RSSI: %d dBm, last seen %s\n", p.RSSI, formatTimestamp(p.LastSeen))
		fmt.Fprintln(c.output)
	}

	return nil
}

// Profile displays the profile the agent is advertising.
func (c *CLI) Profile() error {
	if err := c.connectAgent(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
	defer cancel()

	p, err := c.agentClient.Profile(ctx)
	if err != nil {
		return fmt.Errorf("failed to get profile: %w", err)
	}

	fmt.Fprintln(c.output, "=== Advertised Profile ===")
	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Username: %s\n", orNone(p.Username))
	fmt.Fprintf(c.output, "Description: %s\n", orNone(p.Description))
	fmt.Fprintf(c.output, "Exact Match: %v\n", p.ExactMatch)
	fmt.Fprintln(c.output, "Topics:")
	for _, t := range p.Topics {
		fmt.Fprintf(c.output, "  - %s\n", t)
	}
	if len(p.CustomTopics) > 0 {
		fmt.Fprintf(c.output, "Custom Topics: %s\n", strings.Join(p.CustomTopics, ", "))
	}
	return nil
}

// Init writes a profile file from args: username, description and topics.
// A running agent picks the file up on its own.
func (c *CLI) Init(args []string) error {
	if len(args) < 3 {
		return ErrMissingArgs
	}

	p := profile.New(args[0], args[1], args[2:], false)
	if err := p.Validate(); err != nil {
		return err
	}
	if err := profile.SaveFile(c.profilePath, p); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Profile written to %s\n", c.profilePath)
	if suggestions := topics.Suggest(p.Topics, topics.DefaultTopics, 0); len(suggestions) > 0 {
		fmt.Fprintf(c.output, "You might also like: %s\n", strings.Join(suggestions, ", "))
	}
	return nil
}

// printUsage prints the CLI usage information to stdout.
func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo prints the CLI usage information to the given writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, "Usage: bitalk-cli <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  nearby     List matched peers nearby, closest first")
	fmt.Fprintln(w, "  status     Show agent and scan monitor status")
	fmt.Fprintln(w, "  profile    Show the advertised profile")
	fmt.Fprintln(w, "  init       Write a profile: init <username> <description> <topic>...")
	fmt.Fprintln(w, "  help       Show this help message")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// formatTimestamp formats a time for display.
func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return ts.UTC().Format("2006-01-02 15:04:05")
}
