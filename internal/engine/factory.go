package engine

import (
	"context"
	"strings"
)

// KeyLookup resolves an API key for a provider from configuration. It is a
// function so the factory always sees live config (keys can be rotated via
// the config watcher without restarting active sessions).
type KeyLookup func(provider string) string

// LLMFactory builds LLM-backed engines from a session spec. It implements
// Factory; errors from New are setup faults.
type LLMFactory struct {
	keys KeyLookup
}

func NewLLMFactory(keys KeyLookup) *LLMFactory {
	if keys == nil {
		keys = func(string) string { return "" }
	}
	return &LLMFactory{keys: keys}
}

func (f *LLMFactory) New(_ context.Context, spec Spec) (Engine, error) {
	spec.Provider = strings.ToLower(strings.TrimSpace(spec.Provider))
	if spec.APIKey == "" {
		spec.APIKey = f.keys(orDefault(spec.Provider, "openrouter"))
	}
	if spec.Provider == "anthropic" {
		return NewAnthropicEngine(spec)
	}
	return NewOpenAIEngine(spec)
}
