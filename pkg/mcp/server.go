package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/orchestrate"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
)

const (
	serverName    = "fundscraper"
	serverVersion = "0.4.0"
)

// CycleRunner runs discovery cycles and reports their progress.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*orchestrate.CycleResult, error)
	Progress() orchestrate.Progress
}

// BlacklistRechecker re-validates exclusion patterns.
type BlacklistRechecker interface {
	Recheck(ctx context.Context, maxSamples int) ([]models.URLPattern, error)
}

// URLClassifier classifies a single URL.
type URLClassifier interface {
	Classify(rawURL string) (parse.Classification, error)
}

// Store is the read access the tools need.
type Store interface {
	storage.PatternStore
	storage.PageStore
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger

	Registry   registry.Registry
	Cycle      CycleRunner
	Rechecker  BlacklistRechecker
	Classifier URLClassifier
	Store      Store
}

// Server exposes discovery and pattern tools over MCP
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Cycle == nil || cfg.Rechecker == nil || cfg.Classifier == nil || cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("registry, cycle runner, rechecker, classifier and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("list_institutions",
				mcp.WithDescription("List the funding institutions of the registry with their seed URLs"),
			),
			Handler: s.handleListInstitutions,
		},
		{
			Tool: mcp.NewTool("run_cycle",
				mcp.WithDescription("Start a background discovery cycle over all institutions. Returns immediately with a job ID."),
			),
			Handler: s.handleRunCycle,
		},
		{
			Tool: mcp.NewTool("recheck_blacklist",
				mcp.WithDescription("Start a background recheck of mid-confidence exclusion patterns. Returns immediately with a job ID."),
				mcp.WithNumber("max_samples",
					mcp.Description("Maximum number of patterns to recheck (defaults to recheck.max_samples)"),
				),
			),
			Handler: s.handleRecheckBlacklist,
		},
		{
			Tool: mcp.NewTool("get_job_status",
				mcp.WithDescription("Get the status of a cycle or recheck job"),
				mcp.WithString("job_id",
					mcp.Required(),
					mcp.Description("The job ID returned by run_cycle or recheck_blacklist"),
				),
			),
			Handler: s.handleGetJobStatus,
		},
		{
			Tool: mcp.NewTool("classify_url",
				mcp.WithDescription("Classify a URL as download, queryListing, overviewPage, detailPage or excluded"),
				mcp.WithString("url",
					mcp.Required(),
					mcp.Description("The URL to classify"),
				),
			),
			Handler: s.handleClassifyURL,
		},
		{
			Tool: mcp.NewTool("list_patterns",
				mcp.WithDescription("List learned URL patterns, highest confidence first"),
				mcp.WithString("host",
					mcp.Description("Limit to one host (optional)"),
				),
				mcp.WithString("type",
					mcp.Description("Pattern type: include or exclude (optional)"),
					mcp.Enum(string(models.PatternInclude), string(models.PatternExclude)),
				),
				mcp.WithNumber("min_confidence",
					mcp.Description("Minimum confidence (default 0)"),
				),
				mcp.WithNumber("max_results",
					mcp.Description("Maximum number of patterns to return (default: 50, max: 500)"),
				),
			),
			Handler: s.handleListPatterns,
		},
		{
			Tool: mcp.NewTool("get_program",
				mcp.WithDescription("Get the stored funding program extracted from a URL"),
				mcp.WithString("url",
					mcp.Required(),
					mcp.Description("Program page URL"),
				),
			),
			Handler: s.handleGetProgram,
		},
		{
			Tool: mcp.NewTool("search_programs",
				mcp.WithDescription("Search stored funding programs using text matching"),
				mcp.WithString("query",
					mcp.Required(),
					mcp.Description("Search query (case-insensitive substring match)"),
				),
				mcp.WithNumber("max_results",
					mcp.Description("Maximum number of results to return (default: 10, max: 100)"),
				),
			),
			Handler: s.handleSearchPrograms,
		},
	}
	s.mcpServer.AddTools(tools...)
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
