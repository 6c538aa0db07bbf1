// ABOUTME: External tool handler for the workflow engine.
// ABOUTME: Executes shell commands via os/exec, or calls a tool on an MCP stdio server.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultToolTimeout is used when a tool node has no "timeout" attribute.
const defaultToolTimeout = 60 * time.Second

// maxToolNotesBytes bounds how much stdout is echoed into Outcome.Notes;
// the full output is always kept as an artifact.
const maxToolNotesBytes = 10 * 1024

// ToolHandler handles external tool execution nodes (shape=parallelogram).
// With a "mcp_server" attribute it calls "tool_name" on that command over the
// Model Context Protocol. Otherwise it runs "command" (or "prompt" as a
// fallback) through the shell, the same way VerifyHandler does.
type ToolHandler struct{}

// Type returns the handler type string "tool".
func (h *ToolHandler) Type() string {
	return "tool"
}

// Execute reads tool configuration from node attributes and runs it.
func (h *ToolHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := node.Attrs
	if attrs == nil {
		attrs = make(map[string]string)
	}

	if mcpServer, toolName := attrs["mcp_server"], attrs["tool_name"]; mcpServer != "" && toolName != "" {
		return h.executeMCP(ctx, node, mcpServer, toolName, attrs["tool_args"])
	}

	command := attrs["command"]
	if command == "" {
		command = attrs["prompt"]
	}
	if command == "" {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No command or prompt specified for tool node: " + node.ID,
			ContextUpdates: map[string]any{
				"last_stage": node.ID,
			},
		}, nil
	}

	timeout := defaultToolTimeout
	if timeoutStr := attrs["timeout"]; timeoutStr != "" {
		parsed, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("invalid timeout duration %q: %v", timeoutStr, err),
				ContextUpdates: map[string]any{
					"last_stage": node.ID,
				},
			}, nil
		}
		timeout = parsed
	}

	result := runToolCommand(ctx, command, attrs, timeout)

	if store != nil {
		artifactID := node.ID + ".stdout"
		_, _ = store.Store(artifactID, "tool_stdout", []byte(result.Stdout))
	}

	notes := result.Stdout
	if len(notes) > maxToolNotesBytes {
		notes = notes[:maxToolNotesBytes] + fmt.Sprintf("\n...[truncated, full output stored as artifact %s.stdout]", node.ID)
	}

	updates := map[string]any{
		"last_stage":     node.ID,
		"tool.stdout":    result.Stdout,
		"tool.stderr":    result.Stderr,
		"tool.exit_code": result.ExitCode,
	}

	if result.StartErr != nil {
		return &Outcome{
			Status:         StatusFail,
			Notes:          notes,
			FailureReason:  result.StartErr.Error(),
			ContextUpdates: updates,
		}, nil
	}

	if result.TimedOut {
		return &Outcome{
			Status:         StatusFail,
			Notes:          notes,
			FailureReason:  fmt.Sprintf("tool command timed out after %s and was killed", timeout),
			ContextUpdates: updates,
		}, nil
	}

	if result.ExitCode != 0 {
		return &Outcome{
			Status:         StatusFail,
			Notes:          notes,
			FailureReason:  fmt.Sprintf("tool command failed (exit %d): %s", result.ExitCode, result.Stderr),
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          notes,
		ContextUpdates: updates,
	}, nil
}

// toolCommandResult holds the outcome of a shell command run by ToolHandler.
type toolCommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	StartErr error
}

// runToolCommand runs command through the shell with an optional working
// directory and env_-prefixed environment variables, killing the whole
// process group if it outlives timeout.
func runToolCommand(ctx context.Context, command string, attrs map[string]string, timeout time.Duration) toolCommandResult {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 3 * time.Second

	if workDir := attrs["working_dir"]; workDir != "" {
		cmd.Dir = workDir
	}

	env := os.Environ()
	for k, v := range attrs {
		if name, ok := strings.CutPrefix(k, "env_"); ok {
			env = append(env, name+"="+v)
		}
	}
	cmd.Env = env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	result := toolCommandResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.StartErr = runErr
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.StartErr = nil
		}
	}

	return result
}

// executeMCP connects to an MCP server over stdio, launching it as a child
// process, and calls the named tool with a JSON-encoded argument map.
func (h *ToolHandler) executeMCP(ctx context.Context, node *Node, serverCmd, toolName, argsJSON string) (*Outcome, error) {
	parts := strings.Fields(serverCmd)
	if len(parts) == 0 {
		return &Outcome{Status: StatusFail, FailureReason: "empty mcp_server command"}, nil
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "graphrunner", Version: "0.1.0"}, nil)
	transport := &mcp.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "connecting to MCP server " + serverCmd + ": " + err.Error(),
		}, nil
	}
	defer session.Close()

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: "parsing tool_args for node " + node.ID + ": " + err.Error(),
			}, nil
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "calling MCP tool " + toolName + ": " + err.Error(),
		}, nil
	}

	var output strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			output.WriteString(tc.Text)
		}
	}

	status := StatusSuccess
	if result.IsError {
		status = StatusFail
	}

	return &Outcome{
		Status: status,
		Notes:  "MCP tool " + toolName + " via " + parts[0],
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
			"tool.name":  toolName,
			"tool.mcp":   serverCmd,
		},
		Output: output.String(),
	}, nil
}
