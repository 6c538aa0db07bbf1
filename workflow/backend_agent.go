// ABOUTME: AgentBackend wires CodergenBackend to a real single-turn LLM call via the
// ABOUTME: provider SDKs, selecting anthropic or openai based on AgentRunConfig.Provider.
package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o"
	defaultMaxTokens      = 4096
)

// AgentBackend implements CodergenBackend by sending the node's prompt to a
// real LLM provider. Unlike a multi-turn tool-executing agent loop, it issues
// a single completion request per node: codergen nodes in this engine describe
// a unit of work to delegate to an LLM, not an open-ended coding session.
type AgentBackend struct{}

// RunAgent resolves an API key for the configured provider (or ANTHROPIC_API_KEY
// as the default), sends the prompt as a single chat turn, and inspects the
// response for OUTCOME:PASS/OUTCOME:FAIL markers to decide success.
func (b *AgentBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	provider := strings.ToLower(config.Provider)
	if provider == "" {
		provider = defaultProviderFromEnv()
	}

	systemPrompt := buildSystemPrompt(config.Goal, config.NodeID, config.SystemPrompt)

	var result *AgentRunResult
	var err error
	switch provider {
	case "openai":
		result, err = runOpenAI(ctx, config, systemPrompt)
	default:
		result, err = runAnthropic(ctx, config, systemPrompt)
	}
	if err != nil {
		return nil, err
	}

	if status, ok := DetectOutcomeMarker(result.Output); ok {
		result.Success = status != "fail"
	} else {
		result.Success = true
	}

	return result, nil
}

// defaultProviderFromEnv picks a provider based on which API key is set.
// Anthropic wins when both are configured.
func defaultProviderFromEnv() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return "anthropic"
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return "openai"
	}
	return "anthropic"
}

func buildSystemPrompt(goal, nodeID, override string) string {
	var b strings.Builder
	b.WriteString("You are an automated stage in a DOT-defined workflow pipeline.")
	if nodeID != "" {
		b.WriteString(" Current stage: ")
		b.WriteString(nodeID)
		b.WriteString(".")
	}
	if goal != "" {
		b.WriteString(" Pipeline goal: ")
		b.WriteString(goal)
		b.WriteString(".")
	}
	b.WriteString(" Report OUTCOME:PASS or OUTCOME:FAIL at the end of your response.")
	if override != "" {
		b.WriteString("\n\n")
		b.WriteString(override)
	}
	return b.String()
}

func runAnthropic(ctx context.Context, config AgentRunConfig, systemPrompt string) (*AgentRunResult, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey)}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ANTHROPIC_BASE_URL")
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	client := anthropicsdk.NewClient(opts...)

	model := config.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	resp, err := client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropicsdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(config.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var output strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			output.WriteString(block.Text)
		}
	}

	usage := TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &AgentRunResult{
		Output:     output.String(),
		TokensUsed: usage.TotalTokens,
		Usage:      usage,
		TurnCount:  1,
	}, nil
}

func runOpenAI(ctx context.Context, config AgentRunConfig, systemPrompt string) (*AgentRunResult, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	opts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	client := openaisdk.NewClient(opts...)

	model := config.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	resp, err := client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(systemPrompt),
			openaisdk.UserMessage(config.Prompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}

	output := ""
	if len(resp.Choices) > 0 {
		output = resp.Choices[0].Message.Content
	}

	usage := TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}

	return &AgentRunResult{
		Output:     output,
		TokensUsed: usage.TotalTokens,
		Usage:      usage,
		TurnCount:  1,
	}, nil
}

// Compile-time interface check.
var _ CodergenBackend = (*AgentBackend)(nil)
