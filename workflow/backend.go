// ABOUTME: CodergenBackend is the seam between CodergenHandler and whatever drives the LLM loop.
// ABOUTME: AgentRunConfig/AgentRunResult are the request/response shapes crossing that seam.
package workflow

import (
	"context"
	"strings"
	"time"
)

// CodergenBackend runs one agent turn for a codergen node. Implementations
// own their own provider/session machinery; CodergenHandler only ever talks
// through this interface so it never imports a concrete LLM client.
type CodergenBackend interface {
	RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

// AgentRunConfig is everything a backend needs to drive a single codergen node.
type AgentRunConfig struct {
	Prompt       string
	Model        string
	Provider     string // "anthropic", "openai", "gemini", ...
	BaseURL      string // overrides the provider's default endpoint when set
	WorkDir      string
	Goal         string
	NodeID       string
	MaxTurns     int    // 0 defers to the backend's own default
	FidelityMode string // "full", "compact", "truncate", or "summary:*"
	SystemPrompt string // appended to the backend's system prompt when non-empty
	EventHandler func(EngineEvent)
}

// TokenUsage breaks a run's token consumption down by category.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add returns the field-wise sum of u and other, leaving both unmodified.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	sum := u
	sum.InputTokens += other.InputTokens
	sum.OutputTokens += other.OutputTokens
	sum.TotalTokens += other.TotalTokens
	sum.ReasoningTokens += other.ReasoningTokens
	sum.CacheReadTokens += other.CacheReadTokens
	sum.CacheWriteTokens += other.CacheWriteTokens
	return sum
}

// ToolCallEntry is one tool invocation recorded during an agent run.
type ToolCallEntry struct {
	ToolName string        `json:"tool_name"`
	CallID   string        `json:"call_id"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
}

// AgentRunResult is what a backend hands back after one codergen turn.
type AgentRunResult struct {
	Output      string
	ToolCalls   int
	TokensUsed  int
	Success     bool
	ToolCallLog []ToolCallEntry
	TurnCount   int
	Usage       TokenUsage
}

// outcomeMarkers pairs each recognized spelling of an outcome marker with the
// canonical status it maps to. Checked in order so a FAIL marker always beats
// a PASS/SUCCESS marker appearing anywhere else in the same text.
var outcomeMarkers = []struct {
	needles []string
	status  string
}{
	{[]string{"OUTCOME:FAIL", "OUTCOME=FAIL"}, "fail"},
	{[]string{"OUTCOME:PASS", "OUTCOME=PASS", "OUTCOME:SUCCESS", "OUTCOME=SUCCESS"}, "success"},
}

// DetectOutcomeMarker looks for an OUTCOME:PASS/FAIL-style marker
// (":" or "=" separator, any case) anywhere in an agent's final output. It returns
// the canonical status ("fail" or "success") and true when a marker was
// found, or ("", false) otherwise. FAIL takes precedence when both appear.
func DetectOutcomeMarker(text string) (string, bool) {
	upper := strings.ToUpper(text)
	for _, m := range outcomeMarkers {
		for _, needle := range m.needles {
			if strings.Contains(upper, needle) {
				return m.status, true
			}
		}
	}
	return "", false
}
