package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	applog "github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/orchestrate"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/watch"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "cycle":
		runCycle(os.Args[2:])
	case "recheck":
		runRecheck(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-institutions":
		runListInstitutions(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("fundscraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `fundscraper - Funding program discovery and extraction

Usage:
  fundscraper <command> [options]

Commands:
  cycle              Run one discovery cycle over the institution registry
  recheck            Re-validate mid-confidence exclusion patterns
  watch              Run cycles and rechecks on a schedule
  export             Write stored programs as JSON lines
  validate           Validate configuration and registry
  list-institutions  List registry institutions and seed URLs
  mcp-server         Start MCP server for AI tool integration
  version            Show version info

Run 'fundscraper <command> -h' for command-specific help.`)
}

// loadConfig loads, parses and validates the config file.
func loadConfig(path string) (*config.AppConfig, []string, error) {
	return config.Load(path)
}

// setupLogger creates the root logger with the given log level.
func setupLogger(out io.Writer, logLevelStr string, jsonFormat bool) *logrus.Logger {
	log, err := applog.New(out, logLevelStr, jsonFormat)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// loadAndValidateConfig loads the config file and logs warnings. Exits on error.
func loadAndValidateConfig(configFile string, log *logrus.Logger) *config.AppConfig {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, warnings, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	return appCfg
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		runtime.SetBlockProfileRate(1000)
		runtime.SetMutexProfileFraction(1000)
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// handleSignals cancels on the first SIGINT/SIGTERM and forces an exit on a
// second one or when shutdown takes longer than grace.
func handleSignals(cancel context.CancelFunc, grace time.Duration, log *logrus.Logger) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(grace):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runCycle handles the cycle subcommand
func runCycle(args []string) {
	fs := flag.NewFlagSet("cycle", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	institutions := fs.String("institutions", "", "Comma-separated institution IDs (default: all)")
	fresh := fs.Bool("fresh", false, "Wipe the state database (seen URLs, jobs, patterns, programs) first")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	jsonLogs := fs.Bool("json-logs", false, "Emit logs as JSON")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper cycle [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fundscraper cycle -config config.yaml\n")
		fmt.Fprintf(os.Stderr, "  fundscraper cycle -institutions aws,ffg\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(os.Stderr, *logLevel, *jsonLogs)
	appCfg := loadAndValidateConfig(*configFile, log)
	ids := splitList(*institutions)
	if err := validateInstitutionFilter(appCfg, ids); err != nil {
		log.Fatalf("Invalid institutions: %v", err)
	}
	startPprof(*pprofAddr, log)

	os.Exit(executeCycle(appCfg, appOptions{Fresh: *fresh, InstitutionIDs: ids}, log))
}

// executeCycle wires the components, runs one cycle and returns the exit code.
func executeCycle(appCfg *config.AppConfig, opts appOptions, log *logrus.Logger) int {
	var ctx context.Context
	var cancel context.CancelFunc
	if appCfg.GlobalCrawlTimeout > 0 {
		log.Infof("Setting global crawl timeout: %v", appCfg.GlobalCrawlTimeout)
		ctx, cancel = context.WithTimeout(context.Background(), appCfg.GlobalCrawlTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()
	stop := handleSignals(cancel, 30*time.Second, log)
	defer stop()

	a, err := buildApp(ctx, appCfg, opts, log)
	if err != nil {
		log.Errorf("Initialization failed: %v", err)
		return 1
	}
	defer a.Close()

	result, err := a.orch.RunCycle(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Warn("Cycle cancelled gracefully.")
			return 0
		case errors.Is(err, context.DeadlineExceeded):
			log.Error("Cycle timed out (global timeout).")
			return 1
		default:
			log.Errorf("Cycle finished with error: %v", err)
			return 1
		}
	}

	for _, h := range result.Hosts {
		if !h.Success {
			return 1
		}
	}
	log.Info("Cycle completed successfully.")
	return 0
}

// runRecheck handles the recheck subcommand
func runRecheck(args []string) {
	fs := flag.NewFlagSet("recheck", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	maxSamples := fs.Int("max-samples", 0, "Patterns to recheck (default: recheck.max_samples)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	jsonLogs := fs.Bool("json-logs", false, "Emit logs as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper recheck [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(os.Stderr, *logLevel, *jsonLogs)
	appCfg := loadAndValidateConfig(*configFile, log)
	if *maxSamples <= 0 {
		*maxSamples = appCfg.Recheck.MaxSamples
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := handleSignals(cancel, 30*time.Second, log)

	a, err := buildApp(ctx, appCfg, appOptions{}, log)
	if err != nil {
		stop()
		log.Fatalf("Initialization failed: %v", err)
	}

	removed, err := a.rechecker.Recheck(ctx, *maxSamples)
	a.Close()
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Recheck failed: %v", err)
	}
	for _, p := range removed {
		log.Infof("Removed exclusion pattern %s (%s)", p.Pattern, p.Host)
	}
	log.Infof("Recheck done: %d pattern(s) removed", len(removed))
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	institutions := fs.String("institutions", "", "Comma-separated institution IDs (default: all)")
	cycleInterval := fs.String("cycle-interval", "", "Cycle interval, e.g. 12h, 1d (default: watch.cycle_interval)")
	recheckInterval := fs.String("recheck-interval", "", "Blacklist recheck interval, e.g. 7d (default: watch.recheck_interval)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	jsonLogs := fs.Bool("json-logs", false, "Emit logs as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fundscraper watch -cycle-interval 1d -recheck-interval 7d\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(os.Stderr, *logLevel, *jsonLogs)
	appCfg := loadAndValidateConfig(*configFile, log)
	if err := applyIntervalOverrides(&appCfg.Watch, *cycleInterval, *recheckInterval); err != nil {
		log.Fatalf("Invalid interval: %v", err)
	}
	ids := splitList(*institutions)
	if err := validateInstitutionFilter(appCfg, ids); err != nil {
		log.Fatalf("Invalid institutions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := handleSignals(cancel, 2*time.Minute, log)
	defer stop()

	a, err := buildApp(ctx, appCfg, appOptions{InstitutionIDs: ids}, log)
	if err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}
	defer a.Close()

	tasks := []watch.Task{watch.CycleTask(a.orch, appCfg.Watch.CycleInterval)}
	if appCfg.Watch.RecheckInterval > 0 {
		tasks = append(tasks, watch.RecheckTask(a.rechecker, appCfg.Watch.RecheckInterval, appCfg.Recheck.MaxSamples))
	}
	scheduler := watch.NewScheduler(tasks, watch.NewStateManager(watch.StatePath(appCfg)),
		appCfg.Watch.CheckEvery, log.WithField("component", "watch"))

	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return
	}
	log.Info("Watch mode stopped")
}

// applyIntervalOverrides replaces the configured watch intervals with the
// non-empty command line values.
func applyIntervalOverrides(w *config.WatchConfig, cycle, recheck string) error {
	if cycle != "" {
		d, err := watch.ParseInterval(cycle)
		if err != nil {
			return fmt.Errorf("cycle-interval: %w", err)
		}
		w.CycleInterval = d
	}
	if recheck != "" {
		d, err := watch.ParseInterval(recheck)
		if err != nil {
			return fmt.Errorf("recheck-interval: %w", err)
		}
		w.RecheckInterval = d
	}
	return nil
}

// runExport handles the export subcommand
func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	outFile := fs.String("out", "", "Output file (default: stdout)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper export [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	out := io.Writer(os.Stdout)
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	exitCode := doExport(*configFile, out, os.Stderr)
	os.Exit(exitCode)
}

// doExport streams every stored program as one JSON line.
// Returns exit code (0 = success, 1 = error).
func doExport(configPath string, stdout, stderr io.Writer) int {
	appCfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger := setupLogger(stderr, "warn", false)
	store, err := storage.NewBadgerStore(context.Background(), appCfg.StateDir, storeName, true, logger.WithField("component", "storage"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	n, err := store.ExportPages(context.Background(), stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "Exported %d program(s)\n", n)
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doValidate(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate validates the config and the registry it points to.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	reg, err := registry.LoadFile(appCfg.RegistryFile, appCfg.Institutions)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: registry: %v\n", err)
		return 1
	}
	if reg.Len() == 0 {
		fmt.Fprintln(stderr, "ERROR: registry has no institutions")
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d institution(s), %d seed URL(s)\n", reg.Len(), len(reg.GetAllSeedURLs()))

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListInstitutions handles the list-institutions subcommand
func runListInstitutions(args []string) {
	fs := flag.NewFlagSet("list-institutions", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	asJSON := fs.Bool("json", false, "Print as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fundscraper list-institutions [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doListInstitutions(*configFile, *asJSON, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

type institutionListing struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Region   string   `json:"region,omitempty"`
	SeedURLs []string `json:"seed_urls"`
	Login    bool     `json:"login"`
}

// doListInstitutions lists registry institutions and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListInstitutions(configPath string, asJSON bool, stdout, stderr io.Writer) int {
	appCfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	reg, err := registry.LoadFile(appCfg.RegistryFile, appCfg.Institutions)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	seeds := make(map[string][]string)
	for _, s := range reg.GetAllSeedURLs() {
		seeds[s.InstitutionID] = append(seeds[s.InstitutionID], s.URL)
	}
	ids := make([]string, 0, len(seeds))
	for id := range seeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	listing := make([]institutionListing, 0, len(ids))
	for _, id := range ids {
		inst, ok := reg.Institution(id)
		if !ok {
			continue
		}
		listing = append(listing, institutionListing{
			ID:       inst.ID,
			Name:     inst.Name,
			Region:   inst.Region,
			SeedURLs: seeds[id],
			Login:    inst.Login.HasCredentials(),
		})
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listing); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "Institutions in %s:\n\n", configPath)
	for _, inst := range listing {
		fmt.Fprintf(stdout, "  %s\n", inst.ID)
		fmt.Fprintf(stdout, "    Name: %s\n", inst.Name)
		if inst.Region != "" {
			fmt.Fprintf(stdout, "    Region: %s\n", inst.Region)
		}
		fmt.Fprintf(stdout, "    Seed URLs: %d\n", len(inst.SeedURLs))
		if inst.Login {
			fmt.Fprintln(stdout, "    Login: configured")
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// validateInstitutionFilter checks -institutions against the registry before
// any component is opened.
func validateInstitutionFilter(appCfg *config.AppConfig, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	reg, err := registry.LoadFile(appCfg.RegistryFile, appCfg.Institutions)
	if err != nil {
		return err
	}
	return orchestrate.ValidateInstitutionIDs(reg, ids)
}
