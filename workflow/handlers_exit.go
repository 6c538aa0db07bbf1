// ABOUTME: Exit node handler for the graphrunner pipeline runner.
// ABOUTME: Captures the final pipeline state and returns success at the terminal node.
package workflow

import (
	"context"
	"fmt"
	"time"
)

// ExitHandler handles the terminal node (shape=Msquare): it optionally runs a
// verify_command gate, then stamps the finish time. Goal-gate retry logic
// lives in the engine, not here.
type ExitHandler struct{}

func (h *ExitHandler) Type() string { return "exit" }

func (h *ExitHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := node.Attrs
	if attrs == nil {
		attrs = make(map[string]string)
	}

	finished := map[string]any{"_finished_at": time.Now().Format(time.RFC3339Nano)}

	verifyCmd := attrs["verify_command"]
	if verifyCmd == "" {
		return &Outcome{
			Status:         StatusSuccess,
			Notes:          "Pipeline exited at node: " + node.ID,
			ContextUpdates: finished,
		}, nil
	}

	workDir := ""
	if store != nil {
		workDir = store.BaseDir()
	}
	result := runVerifyCommand(ctx, verifyCmd, workDir, defaultVerifyTimeout)
	result.storeArtifact(store, node.ID+".verify_output")
	if !result.Success {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("exit verify_command failed (exit %d): %s", result.ExitCode, result.Stderr),
			ContextUpdates: finished,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "Pipeline exited at node: " + node.ID,
		ContextUpdates: finished,
	}, nil
}
