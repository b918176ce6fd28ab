package registry

import (
	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/nodes"
)

var variableNameField = ConfigField{
	Name:        "variableName",
	Type:        "string",
	Description: "Context key the node writes its output under",
}

func aiConfig(defaultModel string) []ConfigField {
	return []ConfigField{
		{Name: "userPrompt", Type: "string", Required: true, Templated: true},
		{Name: "systemPrompt", Type: "string", Default: nodes.DefaultSystemPrompt, Templated: true},
		{Name: "model", Type: "string", Default: defaultModel},
		{Name: "temperature", Type: "number"},
		{Name: "maxTokens", Type: "number"},
		{Name: "timeout", Type: "string", Default: nodes.DefaultAITimeout.String()},
		variableNameField,
	}
}

// registerBuiltins registers every node type the executor registry serves.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(NodeTypeDef{
		Type:        core.NodeTypeInitial,
		Category:    CategoryTrigger,
		DisplayName: "Initial",
		Description: "Placeholder start node of a new workflow",
		Hidden:      true,
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeManualTrigger,
		Category:    CategoryTrigger,
		DisplayName: "Manual Trigger",
		Description: "Start the workflow from the editor or the execute API",
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeWebhookTrigger,
		Category:    CategoryTrigger,
		DisplayName: "Webhook",
		Description: "Start the workflow when its webhook URL receives a POST",
		Output:      nodes.DefaultWebhookVariable,
		Config: []ConfigField{
			{Name: "auth.type", Type: "enum", Default: string(nodes.WebhookAuthTypeNone),
				Options: []string{string(nodes.WebhookAuthTypeNone), string(nodes.WebhookAuthTypeHeaderToken)}},
			{Name: "auth.header", Type: "string", Default: nodes.DefaultWebhookAuthHeader},
			{Name: "auth.token", Type: "string", Description: "Shared secret, or env:NAME to read it from the server environment"},
			variableNameField,
		},
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeGoogleFormTrigger,
		Category:    CategoryTrigger,
		DisplayName: "Google Form",
		Description: "Start the workflow when a linked Google Form is submitted",
		Output:      nodes.DefaultGoogleFormVariable,
		Config:      []ConfigField{variableNameField},
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeStripeTrigger,
		Category:    CategoryTrigger,
		DisplayName: "Stripe",
		Description: "Start the workflow when Stripe delivers an event",
		Output:      nodes.StripeVariable,
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeHTTPRequest,
		Category:    CategoryAction,
		DisplayName: "HTTP Request",
		Description: "Call an HTTP endpoint and store the response",
		Output:      nodes.DefaultHTTPRequestVariable,
		Config: []ConfigField{
			{Name: "endpoint", Type: "string", Required: true, Templated: true},
			{Name: "method", Type: "enum", Default: "GET",
				Options: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			{Name: "body", Type: "string", Templated: true},
			{Name: "headers", Type: "object", Templated: true},
			{Name: "timeout", Type: "string", Default: nodes.DefaultHTTPRequestTimeout.String()},
			variableNameField,
		},
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeOpenAI,
		Category:    CategoryAI,
		DisplayName: "OpenAI",
		Description: "Generate text with an OpenAI chat model",
		Output:      "openai",
		Config:      aiConfig(nodes.DefaultOpenAIModel),
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeAnthropic,
		Category:    CategoryAI,
		DisplayName: "Anthropic",
		Description: "Generate text with an Anthropic Claude model",
		Output:      "anthropic",
		Config:      aiConfig(nodes.DefaultAnthropicModel),
	})

	r.Register(NodeTypeDef{
		Type:        core.NodeTypeGemini,
		Category:    CategoryAI,
		DisplayName: "Gemini",
		Description: "Generate text with a Google Gemini model",
		Output:      "gemini",
		Config:      aiConfig(nodes.DefaultGeminiModel),
	})
}
