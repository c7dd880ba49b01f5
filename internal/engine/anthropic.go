package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicEngine drives a task through the Anthropic Messages API with the
// same round loop as the OpenAI engine.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	system    string
	maxRounds int
}

func NewAnthropicEngine(spec Spec) (*AnthropicEngine, error) {
	if spec.APIKey == "" {
		return nil, errors.New("no API key for provider \"anthropic\"")
	}
	maxRounds := spec.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &AnthropicEngine{
		client:    anthropic.NewClient(option.WithAPIKey(spec.APIKey)),
		model:     spec.Model,
		system:    spec.SystemMessage,
		maxRounds: maxRounds,
	}, nil
}

func (e *AnthropicEngine) Run(ctx context.Context, task string, hooks Hooks) error {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(task)),
	}

	fmt.Fprintf(hooks, "Starting task with model %s...\n", e.model)

	for round := 0; round < e.maxRounds; round++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(e.model),
			MaxTokens: anthropicMaxTokens,
			Messages:  messages,
		}
		if e.system != "" {
			params.System = []anthropic.TextBlockParam{{Text: e.system}}
		}

		resp, err := e.client.Messages.New(ctx, params)
		if err != nil {
			return ExecutionFault(fmt.Errorf("messages create: %w", err))
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		content := sb.String()
		_, _ = io.WriteString(hooks, content+"\n")
		messages = append(messages, resp.ToParam())

		if strings.Contains(content, terminateMarker) {
			return nil
		}

		reply, err := hooks.RequestHumanInput(ctx, humanInputPrompt)
		if err != nil {
			return ExecutionFault(fmt.Errorf("request human input: %w", err))
		}
		if reply == ExitSentinel {
			return nil
		}
		if strings.TrimSpace(reply) == "" {
			reply = "continue"
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(reply)))
	}
	return nil
}
