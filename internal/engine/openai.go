package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultMaxRounds = 12

// terminateMarker is the completion convention: an assistant turn containing
// it means the engine considers the task finished.
const terminateMarker = "TERMINATE"

// humanInputPrompt is shown between rounds when the engine wants feedback.
const humanInputPrompt = "Provide feedback to the agent, or send TERMINATE to finish:"

// baseURLFor maps a provider name to its OpenAI-compatible endpoint. An
// empty URL means the SDK default. Unknown providers are a setup error.
func baseURLFor(provider string) (string, bool) {
	switch provider {
	case "openai":
		return "", true
	case "", "openrouter":
		return "https://openrouter.ai/api/v1", true
	case "groq":
		return "https://api.groq.com/openai/v1", true
	case "deepseek":
		return "https://api.deepseek.com", true
	default:
		return "", false
	}
}

// OpenAIEngine drives a task through an OpenAI-compatible chat API. Each
// round streams the assistant turn into the hooks writer, then either
// finishes (TERMINATE convention) or asks for human feedback through the
// rendezvous.
type OpenAIEngine struct {
	client    openai.Client
	model     string
	system    string
	maxRounds int
}

// NewOpenAIEngine builds an engine for any provider speaking the OpenAI
// chat protocol (openrouter, openai, groq, deepseek).
func NewOpenAIEngine(spec Spec) (*OpenAIEngine, error) {
	base, ok := baseURLFor(spec.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", spec.Provider)
	}
	if spec.APIKey == "" {
		return nil, fmt.Errorf("no API key for provider %q", orDefault(spec.Provider, "openrouter"))
	}
	opts := []option.RequestOption{option.WithAPIKey(spec.APIKey)}
	if base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	maxRounds := spec.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &OpenAIEngine{
		client:    openai.NewClient(opts...),
		model:     spec.Model,
		system:    spec.SystemMessage,
		maxRounds: maxRounds,
	}, nil
}

func (e *OpenAIEngine) Run(ctx context.Context, task string, hooks Hooks) error {
	var messages []openai.ChatCompletionMessageParamUnion
	if e.system != "" {
		messages = append(messages, openai.SystemMessage(e.system))
	}
	messages = append(messages, openai.UserMessage(task))

	fmt.Fprintf(hooks, "Starting task with model %s...\n", e.model)

	for round := 0; round < e.maxRounds; round++ {
		resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(e.model),
			Messages: messages,
		})
		if err != nil {
			return ExecutionFault(fmt.Errorf("chat completion: %w", err))
		}
		if len(resp.Choices) == 0 {
			return ExecutionFault(errors.New("chat completion returned no choices"))
		}
		content := resp.Choices[0].Message.Content
		_, _ = io.WriteString(hooks, content+"\n")
		messages = append(messages, openai.AssistantMessage(content))

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
		messages = append(messages, openai.UserMessage(reply))
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
