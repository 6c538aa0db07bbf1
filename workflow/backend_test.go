// ABOUTME: Test doubles implementing CodergenBackend, shared by the handler test files in this package.
// ABOUTME: Also covers TokenUsage arithmetic/serialization and the outcome-marker detector.
package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// fakeBackend is a CodergenBackend double that records every call it receives
// and either runs a caller-supplied function or returns a canned success result.
type fakeBackend struct {
	runAgentFn func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
	calls      []AgentRunConfig
}

func (f *fakeBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	f.calls = append(f.calls, config)
	if f.runAgentFn != nil {
		return f.runAgentFn(ctx, config)
	}
	return &AgentRunResult{
		Output:     "stubbed output for: " + config.Prompt,
		ToolCalls:  3,
		TokensUsed: 500,
		Success:    true,
	}, nil
}

// stubCodergenBackend is a lighter double for tests that only care about one
// RunAgent call and don't need the fakeBackend call log.
type stubCodergenBackend struct {
	runFn func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

func (s *stubCodergenBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if s.runFn != nil {
		return s.runFn(ctx, config)
	}
	return &AgentRunResult{Success: true}, nil
}

func TestFakeBackendSatisfiesCodergenBackend(t *testing.T) {
	var _ CodergenBackend = (*fakeBackend)(nil)
	var _ CodergenBackend = (*stubCodergenBackend)(nil)
}

func TestFakeBackendRecordsEachCall(t *testing.T) {
	backend := &fakeBackend{}
	config := AgentRunConfig{Prompt: "test prompt", Model: "test-model", Provider: "test-provider", NodeID: "node-1"}

	result, err := backend.RunAgent(context.Background(), config)
	if err != nil {
		t.Fatalf("RunAgent() error = %v", err)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(backend.calls))
	}
	if backend.calls[0].Prompt != "test prompt" {
		t.Errorf("recorded Prompt = %q, want %q", backend.calls[0].Prompt, "test prompt")
	}
	if !result.Success {
		t.Error("Success = false, want true from the default canned result")
	}
}

func TestFakeBackendHonorsCustomRunAgentFn(t *testing.T) {
	backend := &fakeBackend{
		runAgentFn: func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
			return &AgentRunResult{Output: "custom output", Success: false}, nil
		},
	}

	result, err := backend.RunAgent(context.Background(), AgentRunConfig{Prompt: "custom"})
	if err != nil {
		t.Fatalf("RunAgent() error = %v", err)
	}
	if result.Output != "custom output" || result.Success {
		t.Errorf("result = %+v, want {Output: custom output, Success: false}", result)
	}
}

func TestFakeBackendPropagatesContextCancellation(t *testing.T) {
	backend := &fakeBackend{
		runAgentFn: func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &AgentRunResult{Success: true}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := backend.RunAgent(ctx, AgentRunConfig{Prompt: "cancelled"}); err == nil {
		t.Error("expected an error from a cancelled context, got nil")
	}
}

func TestAgentRunConfigZeroValueDefaults(t *testing.T) {
	config := AgentRunConfig{Prompt: "write tests"}

	if config.MaxTurns != 0 || config.Model != "" || config.Provider != "" || config.WorkDir != "" || config.BaseURL != "" {
		t.Errorf("zero-value AgentRunConfig has non-zero optional fields: %+v", config)
	}
}

func TestAgentRunConfigEventHandlerFiresThroughToCaller(t *testing.T) {
	var received []EngineEvent
	config := AgentRunConfig{
		Prompt: "test",
		EventHandler: func(evt EngineEvent) {
			received = append(received, evt)
		},
	}

	config.EventHandler(EngineEvent{Type: EventAgentLLMTurn, NodeID: "test"})
	if len(received) != 1 || received[0].Type != EventAgentLLMTurn {
		t.Errorf("received = %+v, want one EventAgentLLMTurn event", received)
	}
}

func TestToolCallEntryRoundTripsThroughJSON(t *testing.T) {
	entry := ToolCallEntry{ToolName: "bash", CallID: "tc_42", Duration: 1 * time.Second, Output: "success"}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"tool_name":"bash"`, `"call_id":"tc_42"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("marshaled JSON %s missing %s", data, want)
		}
	}

	var decoded ToolCallEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != entry {
		t.Errorf("round-trip = %+v, want %+v", decoded, entry)
	}
}

func TestAgentRunResultEnrichedFields(t *testing.T) {
	result := &AgentRunResult{
		Output:     "done",
		ToolCalls:  5,
		TokensUsed: 1000,
		Success:    true,
		ToolCallLog: []ToolCallEntry{
			{ToolName: "file_read", CallID: "c1", Duration: 100 * time.Millisecond, Output: "contents"},
			{ToolName: "bash", CallID: "c2", Duration: 200 * time.Millisecond, Output: "ok"},
		},
		TurnCount: 3,
		Usage:     TokenUsage{InputTokens: 700, OutputTokens: 300, TotalTokens: 1000},
	}

	if len(result.ToolCallLog) != 2 || result.ToolCallLog[0].ToolName != "file_read" {
		t.Errorf("ToolCallLog = %+v, want file_read first of 2 entries", result.ToolCallLog)
	}
	if result.TurnCount != 3 {
		t.Errorf("TurnCount = %d, want 3", result.TurnCount)
	}
	if result.Usage.TotalTokens != result.TokensUsed {
		t.Errorf("Usage.TotalTokens = %d, want it to match TokensUsed %d", result.Usage.TotalTokens, result.TokensUsed)
	}
}

func TestTokenUsageAddSumsEachField(t *testing.T) {
	a := TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, ReasoningTokens: 10, CacheReadTokens: 20, CacheWriteTokens: 5}
	b := TokenUsage{InputTokens: 200, OutputTokens: 100, TotalTokens: 300, ReasoningTokens: 30, CacheReadTokens: 40, CacheWriteTokens: 15}
	want := TokenUsage{InputTokens: 300, OutputTokens: 150, TotalTokens: 450, ReasoningTokens: 40, CacheReadTokens: 60, CacheWriteTokens: 20}

	if got := a.Add(b); got != want {
		t.Errorf("Add() = %+v, want %+v", got, want)
	}
}

func TestTokenUsageRoundTripsThroughJSON(t *testing.T) {
	usage := TokenUsage{InputTokens: 800, OutputTokens: 400, TotalTokens: 1200, ReasoningTokens: 50, CacheReadTokens: 150, CacheWriteTokens: 75}

	data, err := json.Marshal(usage)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded TokenUsage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != usage {
		t.Errorf("round-trip = %+v, want %+v", decoded, usage)
	}
}

func TestDetectOutcomeMarker(t *testing.T) {
	cases := []struct {
		name       string
		text       string
		wantStatus string
		wantFound  bool
	}{
		{"colon pass marker", "all done. OUTCOME:PASS", "success", true},
		{"equals success marker, lowercase", "finished\noutcome=success", "success", true},
		{"colon fail marker", "broke everything OUTCOME:FAIL", "fail", true},
		{"fail wins when both markers present", "OUTCOME:PASS but actually OUTCOME:FAIL", "fail", true},
		{"no marker at all", "just some regular output", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, found := DetectOutcomeMarker(tc.text)
			if found != tc.wantFound || status != tc.wantStatus {
				t.Errorf("DetectOutcomeMarker(%q) = (%q, %v), want (%q, %v)", tc.text, status, found, tc.wantStatus, tc.wantFound)
			}
		})
	}
}
