// Package llmprovider bridges iris LLM providers to nodeflow's
// core.LLMClient interface.
package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/nodeflow/core"
)

// irisAdapter wraps an iris Provider to implement core.LLMClient.
type irisAdapter struct {
	provider iriscore.Provider
}

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	chatResp, err := a.provider.Chat(ctx, toRequest(req))
	if err != nil {
		return core.LLMResponse{}, fmt.Errorf("provider chat failed: %w", err)
	}
	return a.fromResponse(chatResp), nil
}

// toRequest converts a core.LLMRequest to an iris ChatRequest holding an
// optional system message followed by the user prompt.
func toRequest(req core.LLMRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: req.Prompt,
	})

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

// fromResponse converts an iris ChatResponse to a core.LLMResponse. The
// provider's text output is used as-is; a response without text yields "".
func (a *irisAdapter) fromResponse(resp *iriscore.ChatResponse) core.LLMResponse {
	result := core.LLMResponse{
		Text:     resp.Output,
		Provider: a.provider.ID(),
		Model:    string(resp.Model),
		Usage: core.LLMTokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Meta: make(map[string]any),
	}
	if resp.ID != "" {
		result.Meta["response_id"] = resp.ID
	}
	return result
}

// Compile-time interface check.
var _ core.LLMClient = (*irisAdapter)(nil)
