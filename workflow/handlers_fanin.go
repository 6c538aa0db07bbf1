// ABOUTME: Parallel fan-in handler for the graphrunner pipeline runner.
// ABOUTME: Checks that parallel results are present, runs an optional verify_command, and marks fan-in complete.
package workflow

import (
	"context"
	"fmt"
)

// FanInHandler joins parallel branches back onto a single path (shape=tripleoctagon).
// It requires a prior FanOut/parallel stage to have populated "parallel.results"
// in the pipeline context; with nothing to merge, it fails rather than proceeding silently.
type FanInHandler struct{}

func (h *FanInHandler) Type() string { return "parallel.fan_in" }

func (h *FanInHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if pctx.Get("parallel.results") == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No parallel results to evaluate for fan-in node: " + node.ID,
		}, nil
	}

	attrs := node.Attrs
	if attrs == nil {
		attrs = make(map[string]string)
	}
	if verifyCmd := attrs["verify_command"]; verifyCmd != "" {
		workDir := ""
		if store != nil {
			workDir = store.BaseDir()
		}
		result := runVerifyCommand(ctx, verifyCmd, workDir, defaultVerifyTimeout)
		result.storeArtifact(store, node.ID+".verify_output")
		if !result.Success {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  fmt.Sprintf("fan-in verify_command failed (exit %d): %s", result.ExitCode, result.Stderr),
				ContextUpdates: map[string]any{"last_stage": node.ID},
			}, nil
		}
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "Fan-in merged parallel results at node: " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage":                node.ID,
			"parallel.fan_in.completed": true,
		},
	}, nil
}
