package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: fundscraper mcp-server [options]

Start an MCP (Model Context Protocol) server for AI tool integration.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  fundscraper mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  fundscraper mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_institutions  List registry institutions
  run_cycle          Start a background discovery cycle
  recheck_blacklist  Start a background exclusion pattern recheck
  get_job_status     Status of a cycle or recheck job
  classify_url       Classify a single URL
  list_patterns      List learned URL patterns
  get_program        Get the stored program of a URL
  search_programs    Search stored programs
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doMcpServer(*configFile, *transport, *port, *logLevel, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(configPath, transport string, port int, logLevel string, stdout, stderr io.Writer) int {
	if transport != "stdio" && transport != "sse" {
		fmt.Fprintf(stderr, "Unknown transport: %s (supported: stdio, sse)\n", transport)
		return 1
	}

	// MCP protocol uses stdout, logs go to stderr
	log := setupLogger(stderr, logLevel, false)

	appCfg, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, appCfg, appOptions{}, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing components: %v\n", err)
		return 1
	}
	defer a.Close()

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     log,
		Registry:   a.registry,
		Cycle:      a.orch,
		Rechecker:  a.rechecker,
		Classifier: a.classifier,
		Store:      a.store,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}
	defer server.Shutdown(ctx)

	log.Infof("Starting MCP server (transport: %s)", transport)

	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}

	return 0
}
