// ABOUTME: Compacts pipeline context per fidelity mode and produces the human-readable preamble noting what changed.
// ABOUTME: Each mode trades off how much prior-node context survives into the next handler's prompt.
package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// FidelityOptions tunes the knobs each fidelity transform reads.
type FidelityOptions struct {
	MaxKeys        int      // cap on context keys kept by truncate mode (default 50)
	MaxValueLength int      // string-value truncation threshold (default 1024 compact, 500 summary:high)
	MaxLogs        int      // cap on log entries kept by compact mode (default 20)
	Whitelist      []string // overrides the default key whitelist used by summary modes
}

var defaultSummaryLowWhitelist = []string{"last_stage", "outcome", "goal", "error"}

// summaryMediumPatterns are case-insensitive substrings that earn a key a
// spot in summary:medium even when it isn't on the whitelist.
var summaryMediumPatterns = []string{"result", "output", "status"}

// ApplyFidelity transforms pctx according to mode, returning the new context
// and a preamble describing the transform for inclusion in the next prompt.
func ApplyFidelity(pctx *Context, mode FidelityMode, opts FidelityOptions) (*Context, string) {
	switch mode {
	case FidelityFull:
		return pctx, ""
	case FidelityTruncate:
		return applyTruncate(pctx, opts)
	case FidelityCompact:
		return applyCompact(pctx, opts)
	case FidelitySummaryLow:
		return applySummaryLow(pctx, opts)
	case FidelitySummaryMedium:
		return applySummaryMedium(pctx, opts)
	case FidelitySummaryHigh:
		return applySummaryHigh(pctx, opts)
	default:
		return applyCompact(pctx, opts)
	}
}

// fidelityVerbs describes each mode's preamble wording: the past-tense verb
// phrase placed before the removed-key count.
var fidelityVerbs = map[FidelityMode]string{
	FidelityTruncate:      "truncated to limit keys",
	FidelityCompact:       "compacted",
	FidelitySummaryLow:    "summarized at low detail",
	FidelitySummaryMedium: "summarized at medium detail",
	FidelitySummaryHigh:   "summarized at high detail",
}

// GeneratePreamble describes, in prose, the fidelity transform applied when
// carrying context forward from prevNode.
func GeneratePreamble(prevNode string, mode FidelityMode, removedKeys int) string {
	nodeDesc := prevNode
	if nodeDesc == "" {
		nodeDesc = "previous node"
	}

	if mode == FidelityFull {
		return fmt.Sprintf("Context from %s passed in full fidelity mode (all keys preserved).", nodeDesc)
	}

	verb, ok := fidelityVerbs[mode]
	if !ok {
		verb = "transformed"
	}
	return fmt.Sprintf("Context from %s was %s; %d keys removed.", nodeDesc, verb, removedKeys)
}

// applyTruncate keeps the first maxKeys keys in lexical order and drops the rest.
func applyTruncate(pctx *Context, opts FidelityOptions) (*Context, string) {
	maxKeys := opts.MaxKeys
	if maxKeys == 0 {
		maxKeys = 50
	}

	snap := pctx.Snapshot()
	keys := sortedKeys(snap)

	result := NewContext()
	for i, k := range keys {
		if i >= maxKeys {
			break
		}
		result.Set(k, snap[k])
	}

	removed := len(snap) - min(len(keys), maxKeys)
	return result, fmt.Sprintf("Context was truncated to %d keys; %d keys removed.", maxKeys, removed)
}

// applyCompact drops "_"-prefixed internal keys, replaces over-long string
// values with a placeholder, and keeps only the most recent maxLogs log entries.
func applyCompact(pctx *Context, opts FidelityOptions) (*Context, string) {
	maxValueLen := opts.MaxValueLength
	if maxValueLen == 0 {
		maxValueLen = 1024
	}
	maxLogs := opts.MaxLogs
	if maxLogs == 0 {
		maxLogs = 20
	}

	snap := pctx.Snapshot()
	result := NewContext()
	removed := 0
	for k, v := range snap {
		if strings.HasPrefix(k, "_") {
			removed++
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxValueLen {
			result.Set(k, "[truncated]")
			continue
		}
		result.Set(k, v)
	}

	logs := pctx.Logs()
	if len(logs) > maxLogs {
		logs = logs[len(logs)-maxLogs:]
	}
	for _, l := range logs {
		result.AppendLog(l)
	}

	return result, fmt.Sprintf("Context was compacted; %d keys removed.", removed)
}

// applySummaryLow keeps only the whitelisted keys.
func applySummaryLow(pctx *Context, opts FidelityOptions) (*Context, string) {
	wl := whitelistSet(opts)
	snap := pctx.Snapshot()
	result := NewContext()
	kept := 0
	for k, v := range snap {
		if wl[k] {
			result.Set(k, v)
			kept++
		}
	}
	return result, fmt.Sprintf("Context was summarized at low detail; %d keys removed.", len(snap)-kept)
}

// applySummaryMedium keeps whitelisted keys plus non-internal keys matching
// a result/output/status-like pattern.
func applySummaryMedium(pctx *Context, opts FidelityOptions) (*Context, string) {
	wl := whitelistSet(opts)
	snap := pctx.Snapshot()
	result := NewContext()
	kept := 0
	for k, v := range snap {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if wl[k] || matchesSummaryMediumPattern(k) {
			result.Set(k, v)
			kept++
		}
	}
	return result, fmt.Sprintf("Context was summarized at medium detail; %d keys removed.", len(snap)-kept)
}

// applySummaryHigh keeps every key but truncates over-long string values.
func applySummaryHigh(pctx *Context, opts FidelityOptions) (*Context, string) {
	maxValueLen := opts.MaxValueLength
	if maxValueLen == 0 {
		maxValueLen = 500
	}

	snap := pctx.Snapshot()
	result := NewContext()
	for k, v := range snap {
		if s, ok := v.(string); ok && len(s) > maxValueLen {
			result.Set(k, s[:maxValueLen])
			continue
		}
		result.Set(k, v)
	}
	return result, "Context was summarized at high detail; 0 keys removed."
}

func whitelistSet(opts FidelityOptions) map[string]bool {
	whitelist := opts.Whitelist
	if whitelist == nil {
		whitelist = defaultSummaryLowWhitelist
	}
	set := make(map[string]bool, len(whitelist))
	for _, k := range whitelist {
		set[k] = true
	}
	return set
}

func matchesSummaryMediumPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range summaryMediumPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
