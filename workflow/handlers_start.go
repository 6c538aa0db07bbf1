// ABOUTME: Start node handler for the graphrunner pipeline runner.
// ABOUTME: Initializes pipeline execution by recording a start timestamp and returning success.
package workflow

import (
	"context"
	"time"
)

// StartHandler is the entry-point node handler (shape=Mdiamond). It does no
// work of its own beyond stamping the moment execution began.
type StartHandler struct{}

func (h *StartHandler) Type() string { return "start" }

// Execute stamps _started_at on the pipeline context and succeeds unconditionally.
func (h *StartHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "Pipeline started at node: " + node.ID,
		ContextUpdates: map[string]any{
			"_started_at": time.Now().Format(time.RFC3339Nano),
		},
	}, nil
}
