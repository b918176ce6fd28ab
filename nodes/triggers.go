package nodes

import (
	"context"
	"log/slog"

	"github.com/petal-labs/nodeflow/core"
)

// Context keys that inbound trigger routes seed before a run starts.
const (
	WebhookPayloadKey    = "webhookPayload"
	WebhookHeadersKey    = "webhookHeaders"
	GoogleFormPayloadKey = "googleFormPayload"
	StripePayloadKey     = "stripePayload"
)

// Default output variables for trigger executors.
const (
	DefaultWebhookVariable    = "webhook"
	DefaultGoogleFormVariable = "googleForm"
	StripeVariable            = "stripe"
)

// ManualTrigger is the conventional entry point of a workflow. It passes the
// context through unchanged and always succeeds.
type ManualTrigger struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (e *ManualTrigger) Execute(_ context.Context, in Input) (core.ExecutionContext, error) {
	return begin(in, e.Logger).passThrough()
}

// WebhookTrigger republishes the inbound webhook request stored under
// webhookPayload and webhookHeaders as {payload, headers}.
type WebhookTrigger struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (e *WebhookTrigger) Execute(_ context.Context, in Input) (core.ExecutionContext, error) {
	l := begin(in, e.Logger)
	return l.succeed(configVariableName(in.Data, DefaultWebhookVariable), map[string]any{
		"payload": contextValue(in.Context.Get, WebhookPayloadKey),
		"headers": contextValue(in.Context.Get, WebhookHeadersKey),
	})
}

// GoogleFormTrigger republishes a form submission stored under
// googleFormPayload as {payload}.
type GoogleFormTrigger struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (e *GoogleFormTrigger) Execute(_ context.Context, in Input) (core.ExecutionContext, error) {
	l := begin(in, e.Logger)
	return l.succeed(configVariableName(in.Data, DefaultGoogleFormVariable), map[string]any{
		"payload": contextValue(in.Context.Get, GoogleFormPayloadKey),
	})
}

// StripeTrigger republishes a Stripe event stored under stripePayload as
// {payload, event, data} under the fixed "stripe" key. Events wrapped in an
// "event" object are unwrapped for the event and data fields.
type StripeTrigger struct {
	Logger *slog.Logger
}

// Execute implements Executor.
func (e *StripeTrigger) Execute(_ context.Context, in Input) (core.ExecutionContext, error) {
	l := begin(in, e.Logger)
	payload := contextValue(in.Context.Get, StripePayloadKey)
	eventType, data := stripeEventFields(payload)
	return l.succeed(StripeVariable, map[string]any{
		"payload": payload,
		"event":   eventType,
		"data":    data,
	})
}

func stripeEventFields(payload any) (string, any) {
	m, ok := toMap(payload)
	if !ok {
		return "", nil
	}
	eventType, _ := m["type"].(string)
	data, hasData := m["data"]

	if wrapped, ok := toMap(m["event"]); ok {
		if eventType == "" {
			eventType, _ = wrapped["type"].(string)
		}
		if !hasData {
			data = wrapped["data"]
		}
	}
	return eventType, data
}
