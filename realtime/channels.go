// Package realtime publishes live node statuses on per-node-type channels
// and issues the subscription tokens clients need to observe them.
package realtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petal-labs/nodeflow/core"
)

// StatusTopic is the single topic every channel carries.
const StatusTopic = "status"

// Channel errors
var (
	ErrNoChannel        = errors.New("no status channel for node type")
	ErrDuplicateChannel = errors.New("status channel already registered")
)

// Channel is a named status stream for one executor family.
type Channel struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Topic     string          `json:"topic"`
	NodeTypes []core.NodeType `json:"node_types"`
}

// DefaultChannels returns one channel per built-in executor family.
func DefaultChannels() []Channel {
	return []Channel{
		{Key: "manual-trigger-execution", Name: "Manual Trigger", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeManualTrigger, core.NodeTypeInitial}},
		{Key: "webhook-trigger-execution", Name: "Webhook Trigger", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeWebhookTrigger}},
		{Key: "google-form-trigger-execution", Name: "Google Form Trigger", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeGoogleFormTrigger}},
		{Key: "stripe-trigger-execution", Name: "Stripe Trigger", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeStripeTrigger}},
		{Key: "http-request-execution", Name: "HTTP Request", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeHTTPRequest}},
		{Key: "openai-execution", Name: "OpenAI", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeOpenAI}},
		{Key: "anthropic-execution", Name: "Anthropic", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeAnthropic}},
		{Key: "gemini-execution", Name: "Gemini", Topic: StatusTopic,
			NodeTypes: []core.NodeType{core.NodeTypeGemini}},
	}
}

// Registry indexes channels by key and node type. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]Channel
	byType   map[core.NodeType]string
	ordering []string
}

// NewRegistry returns a registry holding channels. It panics on duplicate
// keys or node types, which indicate a programming error.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{
		byKey:  make(map[string]Channel),
		byType: make(map[core.NodeType]string),
	}
	for _, ch := range channels {
		if err := r.Register(ch); err != nil {
			panic(err)
		}
	}
	return r
}

// NewDefaultRegistry returns a registry holding DefaultChannels.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultChannels()...)
}

// Register adds a channel. Each key and each node type may appear once.
func (r *Registry) Register(ch Channel) error {
	if ch.Key == "" {
		return fmt.Errorf("channel key is required")
	}
	if ch.Topic == "" {
		ch.Topic = StatusTopic
	}
	if ch.Name == "" {
		ch.Name = ch.Key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[ch.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Key)
	}
	for _, nt := range ch.NodeTypes {
		if existing, ok := r.byType[nt]; ok {
			return fmt.Errorf("%w: node type %s already on %s", ErrDuplicateChannel, nt, existing)
		}
	}
	ch.NodeTypes = slices.Clone(ch.NodeTypes)
	r.byKey[ch.Key] = ch
	for _, nt := range ch.NodeTypes {
		r.byType[nt] = ch.Key
	}
	r.ordering = append(r.ordering, ch.Key)
	return nil
}

// ForNodeType returns the channel carrying statuses for nodes of type t.
func (r *Registry) ForNodeType(t core.NodeType) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byType[t]
	if !ok {
		return Channel{}, fmt.Errorf("%w %q", ErrNoChannel, t)
	}
	return r.byKey[key], nil
}

// Channel returns the channel with key.
func (r *Registry) Channel(key string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byKey[key]
	return ch, ok
}

// Channels returns every channel in registration order.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.ordering))
	for _, key := range r.ordering {
		out = append(out, r.byKey[key])
	}
	return out
}

// ChannelNameMap maps channel keys to display names for client-side
// filtering.
func (r *Registry) ChannelNameMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byKey))
	for key, ch := range r.byKey {
		out[key] = ch.Name
	}
	return out
}
