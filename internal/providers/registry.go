package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Registry resolves provider names to configured adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider for a name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Names lists configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FromEnv builds a registry from conventional environment variables. A
// provider is registered only when its key (or base URL, for Ollama) is
// present.
func FromEnv() *Registry {
	r := NewRegistry()

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		r.Register(NewOpenAIProvider("openai", key,
			os.Getenv("OPENAI_BASE_URL"),
			envOr("OPENAI_DEFAULT_MODEL", "gpt-4o")))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		r.Register(NewAnthropicProvider(key,
			os.Getenv("ANTHROPIC_BASE_URL"),
			envOr("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-20250514")))
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		// Google exposes an OpenAI-compatible endpoint for Gemini.
		r.Register(NewOpenAIProvider("google", key,
			envOr("GOOGLE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			envOr("GOOGLE_DEFAULT_MODEL", "gemini-2.0-flash")))
	}
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		r.Register(NewOpenAIProvider("ollama", "",
			strings.TrimRight(base, "/")+"/v1",
			envOr("OLLAMA_DEFAULT_MODEL", "llama3.1")))
	}
	return r
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
