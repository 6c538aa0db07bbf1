// ABOUTME: Help display for the workflowctl CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for polished usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, examples, and environment status.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "workflowctl %s — DOT-based workflow runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  workflowctl <pipeline.dot>              Run a pipeline")
	fmt.Fprintln(w, "  workflowctl -validate <pipeline.dot>    Validate without executing")
	fmt.Fprintln(w, "  workflowctl -server [-port 2389]        Start HTTP API server")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Pipeline Flags:")
	fmt.Fprintln(w, "  -retry <policy>       none, standard, aggressive, linear, patient (default: none)")
	fmt.Fprintln(w, "  -checkpoint-dir <dir> Directory for checkpoint files")
	fmt.Fprintln(w, "  -artifact-dir <dir>   Directory for artifact storage (default: artifacts/<run-id>)")
	fmt.Fprintln(w, "  -data-dir <dir>       Persistent state directory (default: $XDG_DATA_HOME/graphrunner)")
	fmt.Fprintln(w, "  -base-url <url>       Custom API base URL for the LLM provider")
	fmt.Fprintln(w, "  -max-steps <n>        Step budget for the traversal loop (default: 1000)")
	fmt.Fprintln(w, "  -watchdog-stall <dur> Warn on node stalls after this long, e.g. 5m (default: disabled)")
	fmt.Fprintln(w, "  -otel                 Emit one OpenTelemetry span per engine event")
	fmt.Fprintln(w, "  -metrics              Count engine events in the default Prometheus registry")
	fmt.Fprintln(w, "  -verbose              Verbose output")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Server Flags:")
	fmt.Fprintln(w, "  -server               Start HTTP server mode")
	fmt.Fprintln(w, "  -port <port>          Server port (default: 2389)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -validate             Validate pipeline without executing")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  workflowctl examples/simple.dot")
	fmt.Fprintln(w, "  workflowctl -validate my_pipeline.dot")
	fmt.Fprintln(w, "  workflowctl -server -port 8080")
	fmt.Fprintln(w, "  workflowctl -retry aggressive examples/full_pipeline.dot")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  ANTHROPIC_API_KEY     %s\n", envStatus("ANTHROPIC_API_KEY"))
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  At least one API key is required for pipeline execution.")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
