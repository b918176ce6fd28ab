package nodes

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/llmprovider"
	"github.com/petal-labs/nodeflow/render"
)

// ErrUnknownNodeType is returned by Lookup for a type with no executor.
var ErrUnknownNodeType = errors.New("no executor registered for node type")

// Deps are the collaborators shared by the built-in executors. Zero values
// select production defaults.
type Deps struct {
	HTTPClient  HTTPClient       // default http.DefaultClient
	Renderer    render.Renderer  // default render.Handlebars
	Credentials CredentialSource // default EnvCredentials
	LLMFactory  LLMFactory       // default llmprovider.NewClient
	Logger      *slog.Logger     // default slog.Default()
}

func (d Deps) withDefaults() Deps {
	if d.Renderer == nil {
		d.Renderer = render.Handlebars
	}
	if d.Credentials == nil {
		d.Credentials = EnvCredentials{}
	}
	if d.LLMFactory == nil {
		d.LLMFactory = llmprovider.NewClient
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Registry maps node types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[core.NodeType]Executor
}

// NewRegistry returns a registry holding an executor for every known node type.
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	r := &Registry{executors: make(map[core.NodeType]Executor)}
	for _, t := range core.NodeTypes() {
		if e := builtin(t, deps); e != nil {
			r.executors[t] = e
		}
	}
	return r
}

// builtin returns the executor for a known node type. Adding a node type
// means adding one case here.
func builtin(t core.NodeType, deps Deps) Executor {
	switch t {
	case core.NodeTypeInitial, core.NodeTypeManualTrigger:
		return &ManualTrigger{Logger: deps.Logger}
	case core.NodeTypeWebhookTrigger:
		return &WebhookTrigger{Logger: deps.Logger}
	case core.NodeTypeGoogleFormTrigger:
		return &GoogleFormTrigger{Logger: deps.Logger}
	case core.NodeTypeStripeTrigger:
		return &StripeTrigger{Logger: deps.Logger}
	case core.NodeTypeHTTPRequest:
		return &HTTPRequest{Client: deps.HTTPClient, Renderer: deps.Renderer, Logger: deps.Logger}
	case core.NodeTypeOpenAI:
		return NewOpenAI(deps.LLMFactory, deps.Credentials, deps.Renderer, deps.Logger)
	case core.NodeTypeAnthropic:
		return NewAnthropic(deps.LLMFactory, deps.Credentials, deps.Renderer, deps.Logger)
	case core.NodeTypeGemini:
		return NewGemini(deps.LLMFactory, deps.Credentials, deps.Renderer, deps.Logger)
	default:
		return nil
	}
}

// Register sets the executor for t, replacing any existing one.
func (r *Registry) Register(t core.NodeType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t core.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownNodeType, t)
	}
	return e, nil
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []core.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]core.NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
