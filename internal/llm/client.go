// Package llm provides the LLM client contract and provider
// implementations used for memory extraction.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSchema marks structured output that did not conform to the requested
// JSON shape. It is not retried; the caller falls back to rule-based
// extraction.
var ErrSchema = errors.New("llm: malformed structured output")

// Message is a chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune a single chat request. Zero values use provider
// defaults.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client is the contract every provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response text.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)

	// Extract asks the model for a JSON object matching the schema hint
	// and returns the raw object bytes. Returns [ErrSchema] when the
	// response is not a JSON object.
	Extract(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error)
}

// Config carries provider construction settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	ExtractionModel string
	MaxRetries      int
	TimeoutSeconds  int
}

// Factory constructs a provider client from config.
type Factory func(cfg Config) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a provider factory under a name. Called from provider
// init functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named provider.
func New(name string, cfg Config) (Client, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (registered: %v)", name, Providers())
	}
	return f(cfg)
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
