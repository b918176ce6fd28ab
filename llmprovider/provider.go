package llmprovider

import (
	"fmt"
	"strings"

	"github.com/petal-labs/iris/providers"
	// Register the providers AI nodes can call.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/gemini"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/nodeflow/core"
)

// NewClient creates a core.LLMClient for the named provider using apiKey.
// It delegates to the iris provider registry to instantiate the underlying
// provider. Provider names are case-insensitive.
func NewClient(name, apiKey string) (core.LLMClient, error) {
	provider, err := providers.Create(strings.ToLower(strings.TrimSpace(name)), apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: provider}, nil
}
