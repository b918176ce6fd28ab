package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/render"
)

// DefaultSystemPrompt is used when an AI node leaves systemPrompt empty.
const DefaultSystemPrompt = "You are a helpful assistant."

// DefaultAITimeout bounds a single provider call.
const DefaultAITimeout = 2 * time.Minute

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultGeminiModel    = "gemini-2.0-flash"
)

// LLMFactory creates a client for a provider using the given API key.
type LLMFactory func(provider, apiKey string) (core.LLMClient, error)

// AIConfig is the normalized data of an AI provider node.
type AIConfig struct {
	VariableName string
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  *float64
	MaxTokens    *int
	Timeout      time.Duration
}

// aiProvider describes the fixed per-provider behavior of an AI executor.
type aiProvider struct {
	name         string   // iris provider name
	defaultVar   string   // output variable when none is configured
	defaultModel string   // model when none is configured
	envVars      []string // credential lookup order
	// shape builds the value stored under the output variable.
	shape func(text string) map[string]any
}

func textShape(text string) map[string]any {
	return map[string]any{"text": text}
}

func aiResponseShape(text string) map[string]any {
	return map[string]any{"aiResponse": text}
}

var (
	openAIProvider = aiProvider{
		name:         "openai",
		defaultVar:   "openai",
		defaultModel: DefaultOpenAIModel,
		envVars:      []string{"OPENAI_API_KEY"},
		shape:        textShape,
	}
	anthropicProvider = aiProvider{
		name:         "anthropic",
		defaultVar:   "anthropic",
		defaultModel: DefaultAnthropicModel,
		envVars:      []string{"ANTHROPIC_API_KEY"},
		shape:        aiResponseShape,
	}
	geminiProvider = aiProvider{
		name:         "gemini",
		defaultVar:   "gemini",
		defaultModel: DefaultGeminiModel,
		envVars:      []string{"GOOGLE_GENERATIVE_AI_API_KEY", "GEMINI_API_KEY"},
		shape:        textShape,
	}
)

// AIExecutor calls a language model provider with the node's prompts.
type AIExecutor struct {
	provider    aiProvider
	Factory     LLMFactory
	Credentials CredentialSource
	Renderer    render.Renderer
	Logger      *slog.Logger
}

// NewOpenAI returns the executor for OPENAI nodes. The completion is stored
// as {text}.
func NewOpenAI(factory LLMFactory, creds CredentialSource, renderer render.Renderer, logger *slog.Logger) *AIExecutor {
	return &AIExecutor{provider: openAIProvider, Factory: factory, Credentials: creds, Renderer: renderer, Logger: logger}
}

// NewAnthropic returns the executor for ANTHROPIC nodes. The completion is
// stored as {aiResponse}.
func NewAnthropic(factory LLMFactory, creds CredentialSource, renderer render.Renderer, logger *slog.Logger) *AIExecutor {
	return &AIExecutor{provider: anthropicProvider, Factory: factory, Credentials: creds, Renderer: renderer, Logger: logger}
}

// NewGemini returns the executor for GEMINI nodes. The completion is stored
// as {text} under "gemini" unless a variable name is configured.
func NewGemini(factory LLMFactory, creds CredentialSource, renderer render.Renderer, logger *slog.Logger) *AIExecutor {
	return &AIExecutor{provider: geminiProvider, Factory: factory, Credentials: creds, Renderer: renderer, Logger: logger}
}

// Provider returns the provider name used for client creation.
func (e *AIExecutor) Provider() string {
	return e.provider.name
}

// ParseConfig normalizes AI node data using the executor's defaults.
func (e *AIExecutor) ParseConfig(m map[string]any) (AIConfig, error) {
	cfg := AIConfig{
		VariableName: configVariableName(m, e.provider.defaultVar),
		SystemPrompt: configString(m, "systemPrompt"),
		UserPrompt:   configString(m, "userPrompt"),
		Model:        configString(m, "model"),
		Temperature:  configFloat(m, "temperature"),
		MaxTokens:    configInt(m, "maxTokens"),
		Timeout:      configDuration(m, "timeout"),
	}
	if cfg.UserPrompt == "" {
		return AIConfig{}, &core.NodeValidationError{Field: "userPrompt", Message: "is required"}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Model == "" {
		cfg.Model = e.provider.defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAITimeout
	}
	return cfg, nil
}

// Execute implements Executor.
func (e *AIExecutor) Execute(ctx context.Context, in Input) (core.ExecutionContext, error) {
	l := begin(in, e.Logger)

	cfg, err := e.ParseConfig(in.Data)
	if err != nil {
		return l.fail(withNode(err, in))
	}

	apiKey, ok := lookupCredential(e.credentials(), e.provider.envVars)
	if !ok {
		return l.fail(&core.CredentialMissingError{
			NodeID:   in.NodeID,
			Provider: e.provider.name,
			EnvVar:   e.provider.envVars[0],
		})
	}

	vars := in.Context.Snapshot()
	system, err := e.renderer().Render(cfg.SystemPrompt, vars)
	if err != nil {
		return l.invalid("systemPrompt", err.Error())
	}
	prompt, err := e.renderer().Render(cfg.UserPrompt, vars)
	if err != nil {
		return l.invalid("userPrompt", err.Error())
	}

	if e.Factory == nil {
		return l.fail(externalError(in, 0, "no LLM client factory configured", nil))
	}
	client, err := e.Factory(e.provider.name, apiKey)
	if err != nil {
		return l.fail(externalError(in, 0, "creating "+e.provider.name+" client", err))
	}

	out, err := l.step(ctx, e.provider.name+"-generate-text", func(ctx context.Context) (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		resp, err := client.Complete(callCtx, core.LLMRequest{
			Model:       cfg.Model,
			System:      system,
			Prompt:      prompt,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, externalError(in, 0, fmt.Sprintf("%s generation failed", e.provider.name), err)
		}
		return resp.Text, nil
	})
	if err != nil {
		return l.fail(err)
	}

	text, _ := out.(string)
	return l.succeed(cfg.VariableName, e.provider.shape(text))
}

func (e *AIExecutor) credentials() CredentialSource {
	if e.Credentials == nil {
		return EnvCredentials{}
	}
	return e.Credentials
}

func (e *AIExecutor) renderer() render.Renderer {
	if e.Renderer == nil {
		return render.Handlebars
	}
	return e.Renderer
}
