// ABOUTME: CLI entrypoint for the workflowctl pipeline runner with run, validate, and server modes.
// ABOUTME: Wires together the workflow engine, HTTP server, retry policies, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/wcraigjones/graphrunner/workflow"
)

var (
	stageStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	pipelineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	agentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

var version = "dev"

// config holds all CLI configuration parsed from flags and positional arguments.
type config struct {
	serverMode    bool
	port          int
	validateOnly  bool
	checkpointDir string
	artifactDir   string
	dataDir       string
	retryPolicy   string
	baseURL       string
	verbose       bool
	showVersion   bool
	pipelineFile  string
	watchdogStall time.Duration
	maxSteps      int
	otelTracing   bool
	promMetrics   bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("workflowctl %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("workflowctl", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.IntVar(&cfg.port, "port", 2389, "Server port (default: 2389)")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate pipeline without executing")
	fs.StringVar(&cfg.checkpointDir, "checkpoint-dir", "", "Directory for checkpoint files")
	fs.StringVar(&cfg.artifactDir, "artifact-dir", "", "Directory for artifact storage")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for persistent state (default: $XDG_DATA_HOME/graphrunner)")
	fs.StringVar(&cfg.retryPolicy, "retry", "none", "Default retry policy: none, standard, aggressive, linear, patient")
	fs.StringVar(&cfg.baseURL, "base-url", "", "Custom API base URL for the LLM provider")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.DurationVar(&cfg.watchdogStall, "watchdog-stall", 0, "Warn when a node makes no progress for this long (0 disables the stall watchdog)")
	fs.IntVar(&cfg.maxSteps, "max-steps", 0, "Step budget for the traversal loop (0 = default 1000)")
	fs.BoolVar(&cfg.otelTracing, "otel", false, "Emit one OpenTelemetry span per engine event on the global tracer provider")
	fs.BoolVar(&cfg.promMetrics, "metrics", false, "Count engine events in the default Prometheus registry")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.pipelineFile = fs.Arg(0)
	}

	return cfg
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	if cfg.serverMode {
		return runServer(cfg)
	}

	if cfg.pipelineFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	if cfg.validateOnly {
		return validatePipeline(cfg)
	}

	// Any mode that actually executes a pipeline needs an LLM backend.
	// Check for API keys before doing anything else.
	if detectBackend(false) == nil {
		fmt.Fprintln(os.Stderr, "error: no LLM API key found")
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY or OPENAI_API_KEY")
		return 1
	}

	return runPipeline(cfg)
}

// runPipeline reads a DOT file and executes the pipeline through the engine.
func runPipeline(cfg config) int {
	source, err := os.ReadFile(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Resolve data directory for persistent state
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not resolve data dir: %v\n", err)
	}

	// Set up persistent run state store
	var store *workflow.FSRunStateStore
	if dataDir != "" {
		runsDir := dataDir + "/runs"
		store, err = workflow.NewFSRunStateStore(runsDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create run state store: %v\n", err)
		}
	}

	// Generate a run ID for tracking
	runID, err := workflow.GenerateRunID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	engineCfg := workflow.EngineConfig{
		CheckpointDir:  cfg.checkpointDir,
		ArtifactDir:    cfg.artifactDir,
		DefaultRetry:   retryPolicyFromName(cfg.retryPolicy),
		Handlers:       workflow.DefaultHandlerRegistry(),
		Backend:        detectBackend(cfg.verbose),
		BaseURL:        cfg.baseURL,
		RunID:          runID,
		MaxSteps:       cfg.maxSteps,
		EnableWatchdog: cfg.watchdogStall > 0,
		Watchdog:       workflow.WatchdogConfig{StallTimeout: cfg.watchdogStall, CheckInterval: 10 * time.Second},
	}

	engineCfg.EventHandler = buildEventHandler(cfg, runID)

	engine := workflow.NewEngine(engineCfg)

	// Wire CLI interviewer for human gate nodes
	wireInterviewer(engine)

	// Persist initial run state
	startTime := time.Now()
	if store != nil {
		initialState := &workflow.RunState{
			ID:             runID,
			PipelineFile:   cfg.pipelineFile,
			Status:         "running",
			Source:         string(source),
			StartedAt:      startTime,
			CompletedNodes: []string{},
			Context:        map[string]any{},
			Events:         []workflow.EngineEvent{},
		}
		if err := store.Create(initialState); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist initial state: %v\n", err)
		}
	}

	// Set up context with signal handling for graceful cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	result, runErr := engine.Run(ctx, string(source))

	// Persist final run state
	if store != nil {
		now := time.Now()
		finalState := &workflow.RunState{
			ID:           runID,
			PipelineFile: cfg.pipelineFile,
			StartedAt:    startTime,
			CompletedAt:  &now,
			Source:       string(source),
			Context:      map[string]any{},
			Events:       []workflow.EngineEvent{},
		}
		if runErr != nil {
			finalState.Status = "failed"
			finalState.Error = runErr.Error()
		} else {
			finalState.Status = "completed"
			if result != nil {
				finalState.CompletedNodes = result.CompletedNodes
				if result.Context != nil {
					finalState.Context = result.Context.Snapshot()
				}
			}
		}
		if err := store.Update(finalState); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist final state: %v\n", err)
		}
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}

	// Print results to stdout.
	fmt.Printf("Pipeline completed successfully.\n")
	fmt.Printf("Completed nodes: %v\n", result.CompletedNodes)
	if result.FinalOutcome != nil {
		fmt.Printf("Final status: %s\n", result.FinalOutcome.Status)
	}

	return 0
}

// resolveDataDir returns the data directory to use, preferring an explicit
// override and falling back to the XDG-based default.
func resolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return defaultDataDir()
}

// buildPipelineServer creates a PipelineServer with the render functions and
// persistent state store wired in.
func buildPipelineServer(cfg config) (*workflow.PipelineServer, error) {
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	engineCfg := workflow.EngineConfig{
		CheckpointDir:  cfg.checkpointDir,
		ArtifactDir:    cfg.artifactDir,
		DefaultRetry:   retryPolicyFromName(cfg.retryPolicy),
		Handlers:       workflow.DefaultHandlerRegistry(),
		Backend:        detectBackend(cfg.verbose),
		BaseURL:        cfg.baseURL,
		MaxSteps:       cfg.maxSteps,
		EnableWatchdog: cfg.watchdogStall > 0,
		Watchdog:       workflow.WatchdogConfig{StallTimeout: cfg.watchdogStall, CheckInterval: 10 * time.Second},
	}

	engineCfg.EventHandler = buildEventHandler(cfg, "server")

	engine := workflow.NewEngine(engineCfg)
	server := workflow.NewPipelineServer(engine)

	// Wire render functions into the server for graph visualization endpoints.
	server.ToDOT = workflow.Serialize
	server.ToDOTWithStatus = workflow.ToDOTWithStatus
	server.RenderDOTSource = workflow.RenderDOTSource

	// Wire persistent run state store
	runsDir := dataDir + "/runs"
	store, err := workflow.NewFSRunStateStore(runsDir)
	if err != nil {
		return nil, fmt.Errorf("create run state store: %w", err)
	}
	server.SetRunStateStore(store)

	if err := server.LoadPersistedRuns(); err != nil {
		return nil, fmt.Errorf("load persisted runs: %w", err)
	}

	return server, nil
}

// runServer starts the HTTP pipeline server.
func runServer(cfg config) int {
	if detectBackend(false) == nil {
		fmt.Fprintln(os.Stderr, "warning: no LLM API key found, pipelines with codergen nodes will fail")
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	server, err := buildPipelineServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.port)

	// Set up context with signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}

// validatePipeline parses and validates a DOT file without executing it.
func validatePipeline(cfg config) int {
	source, err := os.ReadFile(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	graph, err := workflow.Parse(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	transforms := workflow.DefaultTransforms()
	graph = workflow.ApplyTransforms(graph, transforms...)

	diags := workflow.Validate(graph)

	hasErrors := false
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "[%s] %s", d.Severity, d.Message)
		if d.NodeID != "" {
			fmt.Fprintf(os.Stderr, " (node: %s)", d.NodeID)
		}
		if d.Fix != "" {
			fmt.Fprintf(os.Stderr, " -- fix: %s", d.Fix)
		}
		fmt.Fprintln(os.Stderr)

		if d.Severity == workflow.SeverityError {
			hasErrors = true
		}
	}

	if hasErrors {
		fmt.Fprintf(os.Stderr, "Validation failed.\n")
		return 1
	}

	fmt.Println("Pipeline is valid.")
	return 0
}

// retryPolicyFromName maps a CLI retry policy name to a workflow RetryPolicy preset.
func retryPolicyFromName(name string) workflow.RetryPolicy {
	switch strings.ToLower(name) {
	case "none":
		return workflow.RetryPolicyNone()
	case "standard":
		return workflow.RetryPolicyStandard()
	case "aggressive":
		return workflow.RetryPolicyAggressive()
	case "linear":
		return workflow.RetryPolicyLinear()
	case "patient":
		return workflow.RetryPolicyPatient()
	default:
		return workflow.RetryPolicyNone()
	}
}

// detectBackend checks for LLM API keys in the environment and returns
// an AgentBackend if any are found, or nil for stub mode.
func detectBackend(verbose bool) workflow.CodergenBackend {
	keys := []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"}
	for _, k := range keys {
		if os.Getenv(k) != "" {
			if verbose {
				fmt.Fprintf(os.Stderr, "[backend] using AgentBackend (%s detected)\n", k)
			}
			return &workflow.AgentBackend{}
		}
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "[backend] no API keys found, using stub mode")
	}
	return nil
}

// buildEventHandler composes the enabled event consumers (verbose printer,
// OTel span sink, Prometheus metrics sink) into a single EventHandler func.
// Returns nil when nothing is enabled so the engine skips event dispatch.
func buildEventHandler(cfg config, runID string) func(workflow.EngineEvent) {
	var handlers []func(workflow.EngineEvent)
	if cfg.verbose {
		handlers = append(handlers, verboseEventHandler)
	}
	if cfg.otelTracing {
		sink := workflow.NewOTelEventSink(otel.Tracer("workflowctl"), runID)
		handlers = append(handlers, sink.Handle)
	}
	if cfg.promMetrics {
		sink := workflow.NewMetricsEventSink(prometheus.DefaultRegisterer, runID)
		handlers = append(handlers, sink.Handle)
	}

	switch len(handlers) {
	case 0:
		return nil
	case 1:
		return handlers[0]
	default:
		return func(evt workflow.EngineEvent) {
			for _, h := range handlers {
				h(evt)
			}
		}
	}
}

// wireInterviewer attaches a ConsoleInterviewer to the WaitForHumanHandler
// so human gate nodes work interactively in CLI mode.
func wireInterviewer(engine *workflow.Engine) {
	handler := engine.GetHandler("wait.human")
	if handler == nil {
		return
	}
	if hh, ok := handler.(*workflow.WaitForHumanHandler); ok {
		hh.Interviewer = workflow.NewConsoleInterviewer()
	}
}

// verboseEventHandler prints engine lifecycle events to stderr.
func verboseEventHandler(evt workflow.EngineEvent) {
	switch evt.Type {
	case workflow.EventPipelineStarted:
		fmt.Fprintf(os.Stderr, "%s started\n", pipelineStyle.Render("[pipeline]"))
	case workflow.EventNodeStarted:
		fmt.Fprintf(os.Stderr, "%s %s started\n", stageStyle.Render("[stage]"), evt.NodeID)
	case workflow.EventNodeCompleted:
		fmt.Fprintf(os.Stderr, "%s %s completed\n", okStyle.Render("[stage]"), evt.NodeID)
	case workflow.EventNodeFailed:
		if reason, ok := evt.Data["reason"]; ok {
			fmt.Fprintf(os.Stderr, "%s %s failed: %v\n", failStyle.Render("[stage]"), evt.NodeID, reason)
		} else {
			fmt.Fprintf(os.Stderr, "%s %s failed\n", failStyle.Render("[stage]"), evt.NodeID)
		}
	case workflow.EventNodeRetrying:
		fmt.Fprintf(os.Stderr, "%s %s retrying\n", stageStyle.Render("[stage]"), evt.NodeID)
	case workflow.EventParallelStarted:
		fmt.Fprintf(os.Stderr, "%s %s started\n", stageStyle.Render("[parallel]"), evt.NodeID)
	case workflow.EventParallelCompleted:
		fmt.Fprintf(os.Stderr, "%s %s completed\n", okStyle.Render("[parallel]"), evt.NodeID)
	case workflow.EventGoalGateRedirected:
		fmt.Fprintf(os.Stderr, "%s %s redirected\n", stageStyle.Render("[goal_gate]"), evt.NodeID)
	case workflow.EventPipelineCompleted:
		fmt.Fprintf(os.Stderr, "%s completed\n", okStyle.Render("[pipeline]"))
	case workflow.EventPipelineFailed:
		if errVal, ok := evt.Data["error"]; ok {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", failStyle.Render("[pipeline]"), errVal)
		} else {
			fmt.Fprintf(os.Stderr, "%s failed\n", failStyle.Render("[pipeline]"))
		}
	case workflow.EventCheckpointSaved:
		fmt.Fprintf(os.Stderr, "[checkpoint] saved at %s\n", evt.NodeID)
	case workflow.EventAgentToolCallStart:
		fmt.Fprintf(os.Stderr, "%s %s: tool %v\n", agentStyle.Render("[agent]"), evt.NodeID, evt.Data["tool_name"])
	case workflow.EventAgentToolCallEnd:
		fmt.Fprintf(os.Stderr, "%s %s: tool %v done (%vms)\n", agentStyle.Render("[agent]"), evt.NodeID, evt.Data["tool_name"], evt.Data["duration_ms"])
	case workflow.EventAgentLLMTurn:
		if inputTok, ok := evt.Data["input_tokens"]; ok {
			fmt.Fprintf(os.Stderr, "%s %s: llm turn (in:%v out:%v total:%v)\n", agentStyle.Render("[agent]"), evt.NodeID, inputTok, evt.Data["output_tokens"], evt.Data["total_tokens"])
		} else {
			fmt.Fprintf(os.Stderr, "%s %s: llm turn (%v tokens)\n", agentStyle.Render("[agent]"), evt.NodeID, evt.Data["tokens"])
		}
	case workflow.EventAgentSteering:
		fmt.Fprintf(os.Stderr, "%s %s: steering: %v\n", agentStyle.Render("[agent]"), evt.NodeID, evt.Data["message"])
	case workflow.EventAgentLoopDetected:
		fmt.Fprintf(os.Stderr, "%s %s: loop detected: %v\n", agentStyle.Render("[agent]"), evt.NodeID, evt.Data["message"])
	}
}
