package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nomis52/goquest/clients/controlclient"
	"github.com/nomis52/goquest/dashboard"
)

type Args struct {
	ServerURL string
	Refresh   time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()
	if args.Refresh <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}

	client, err := controlclient.New(args.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	p := tea.NewProgram(
		dashboard.New(client, dashboard.WithRefreshInterval(args.Refresh)),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}

func parseArgs() Args {
	serverURL := flag.String("server", "http://localhost:8080", "Base URL of the goquest server")
	serverShort := flag.String("s", "", "Base URL of the goquest server (shorthand)")
	refresh := flag.Duration("refresh", time.Second, "How often to poll the server")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nTerminal dashboard for a running goquest server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --server http://agent-host:8080\n", os.Args[0])
	}

	flag.Parse()

	url := *serverURL
	if *serverShort != "" {
		url = *serverShort
	}

	return Args{
		ServerURL: url,
		Refresh:   *refresh,
	}
}
