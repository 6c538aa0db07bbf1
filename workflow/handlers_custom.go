// ABOUTME: Embedder-injected custom handler support and loose handler-result normalization.
// ABOUTME: CustomFuncHandler wraps a free-form callback; OutcomeFromValue canonicalizes its result.
package workflow

import (
	"context"
	"fmt"
	"strings"
)

// CustomHandlerFunc is the callback shape embedders supply for custom node
// types. The returned value may be a *Outcome, an Outcome, a plain string
// (treated as output with status success), or a loose map[string]any using
// either snake_case or camelCase keys. OutcomeFromValue normalizes all of
// these before the engine sees them.
type CustomHandlerFunc func(ctx context.Context, node *Node, pctx *Context) (any, error)

// CustomFuncHandler adapts a CustomHandlerFunc into a NodeHandler. Register
// one per custom type string, or register it under "custom" to catch every
// node whose explicit type attribute has no dedicated handler.
type CustomFuncHandler struct {
	TypeName string
	Fn       CustomHandlerFunc
}

// Type returns the handler type string this handler was registered for.
func (h *CustomFuncHandler) Type() string {
	if h.TypeName == "" {
		return "custom"
	}
	return h.TypeName
}

// Execute invokes the wrapped callback and normalizes its free-form result.
func (h *CustomFuncHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.Fn == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No callback configured for custom handler: " + node.ID,
		}, nil
	}

	result, err := h.Fn(ctx, node, pctx)
	if err != nil {
		return nil, err
	}
	return OutcomeFromValue(result)
}

// OutcomeFromValue normalizes a free-form handler result into a canonical
// *Outcome. Accepted shapes:
//   - nil: success with no output
//   - string: success, the string is the node output
//   - *Outcome / Outcome: used directly, status canonicalized
//   - map[string]any: loose outcome object; both snake_case and camelCase
//     key spellings are accepted (preferred_label / preferredLabel, etc.)
//
// Anything else is an error: the engine never works with the loose form
// internally.
func OutcomeFromValue(v any) (*Outcome, error) {
	switch t := v.(type) {
	case nil:
		return &Outcome{Status: StatusSuccess}, nil
	case string:
		return &Outcome{Status: StatusSuccess, Output: t}, nil
	case *Outcome:
		out := *t
		out.Status = canonicalStatus(string(out.Status))
		return &out, nil
	case Outcome:
		t.Status = canonicalStatus(string(t.Status))
		return &t, nil
	case map[string]any:
		return outcomeFromLooseMap(t)
	default:
		return nil, fmt.Errorf("cannot normalize handler result of type %T into an outcome", v)
	}
}

// canonicalStatus folds any status spelling (SUCCESS, Success, partial-success)
// onto the canonical StageStatus constants. Unknown statuses fold to fail so a
// typo never silently counts as a success.
func canonicalStatus(s string) StageStatus {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "success", "ok", "pass":
		return StatusSuccess
	case "partial_success", "partial":
		return StatusPartialSuccess
	case "retry":
		return StatusRetry
	case "fail", "failed", "failure", "error":
		return StatusFail
	case "skipped", "skip":
		return StatusSkipped
	default:
		return StatusFail
	}
}

func outcomeFromLooseMap(m map[string]any) (*Outcome, error) {
	out := &Outcome{Status: StatusSuccess}

	if v, ok := looseKey(m, "status"); ok {
		s, isStr := v.(string)
		if !isStr {
			return nil, fmt.Errorf("loose outcome status must be a string, got %T", v)
		}
		out.Status = canonicalStatus(s)
	}
	if v, ok := looseKey(m, "preferred_label", "preferredLabel"); ok {
		if s, isStr := v.(string); isStr {
			out.PreferredLabel = s
		}
	}
	if v, ok := looseKey(m, "suggested_next_ids", "suggestedNextIds"); ok {
		switch ids := v.(type) {
		case []string:
			out.SuggestedNextIDs = ids
		case []any:
			for _, id := range ids {
				if s, isStr := id.(string); isStr {
					out.SuggestedNextIDs = append(out.SuggestedNextIDs, s)
				}
			}
		}
	}
	if v, ok := looseKey(m, "context_updates", "contextUpdates"); ok {
		if updates, isMap := v.(map[string]any); isMap {
			out.ContextUpdates = updates
		}
	}
	if v, ok := looseKey(m, "notes"); ok {
		if s, isStr := v.(string); isStr {
			out.Notes = s
		}
	}
	if v, ok := looseKey(m, "failure_reason", "failureReason"); ok {
		if s, isStr := v.(string); isStr {
			out.FailureReason = s
		}
	}
	if v, ok := looseKey(m, "output"); ok {
		if s, isStr := v.(string); isStr {
			out.Output = s
		}
	}

	return out, nil
}

// looseKey looks a value up under each accepted key spelling in order.
func looseKey(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
