package nodes

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/petal-labs/nodeflow/core"
)

// fakeLLM records the last request and returns a canned response.
type fakeLLM struct {
	text string
	err  error
	req  core.LLMRequest
}

func (f *fakeLLM) Complete(_ context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	f.req = req
	if f.err != nil {
		return core.LLMResponse{}, f.err
	}
	return core.LLMResponse{Text: f.text}, nil
}

type factoryCall struct {
	provider string
	apiKey   string
}

func fakeFactory(client core.LLMClient, calls *[]factoryCall) LLMFactory {
	return func(provider, apiKey string) (core.LLMClient, error) {
		*calls = append(*calls, factoryCall{provider, apiKey})
		return client, nil
	}
}

var allCreds = MapCredentials{
	"OPENAI_API_KEY":               "sk-openai",
	"ANTHROPIC_API_KEY":            "sk-anthropic",
	"GOOGLE_GENERATIVE_AI_API_KEY": "g-key",
}

func TestAIExecutors_OutputShapes(t *testing.T) {
	tests := []struct {
		name      string
		newExec   func(LLMFactory, CredentialSource) *AIExecutor
		nodeType  core.NodeType
		data      map[string]any
		wantVar   string
		wantValue map[string]any
		wantModel string
		wantKey   string
	}{
		{
			name:      "openai",
			newExec:   func(f LLMFactory, c CredentialSource) *AIExecutor { return NewOpenAI(f, c, nil, nil) },
			nodeType:  core.NodeTypeOpenAI,
			data:      map[string]any{"variableName": "summary", "userPrompt": "Summarize {{webhook.payload.msg}}"},
			wantVar:   "summary",
			wantValue: map[string]any{"text": "generated"},
			wantModel: DefaultOpenAIModel,
			wantKey:   "sk-openai",
		},
		{
			name:      "anthropic",
			newExec:   func(f LLMFactory, c CredentialSource) *AIExecutor { return NewAnthropic(f, c, nil, nil) },
			nodeType:  core.NodeTypeAnthropic,
			data:      map[string]any{"variableName": "claude", "userPrompt": "Summarize {{webhook.payload.msg}}"},
			wantVar:   "claude",
			wantValue: map[string]any{"aiResponse": "generated"},
			wantModel: DefaultAnthropicModel,
			wantKey:   "sk-anthropic",
		},
		{
			name:      "gemini default variable",
			newExec:   func(f LLMFactory, c CredentialSource) *AIExecutor { return NewGemini(f, c, nil, nil) },
			nodeType:  core.NodeTypeGemini,
			data:      map[string]any{"userPrompt": "Summarize {{webhook.payload.msg}}", "model": "gemini-1.5-pro"},
			wantVar:   "gemini",
			wantValue: map[string]any{"text": "generated"},
			wantModel: "gemini-1.5-pro",
			wantKey:   "g-key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeLLM{text: "generated"}
			var calls []factoryCall
			sink := &recordingSink{}
			exec := tt.newExec(fakeFactory(llm, &calls), allCreds)

			out, err := exec.Execute(t.Context(), Input{
				NodeID:   "ai",
				NodeType: tt.nodeType,
				Data:     tt.data,
				Context: core.NewExecutionContext(map[string]any{
					"webhook": map[string]any{"payload": map[string]any{"msg": "hello"}},
				}),
				Publish: sink,
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			got, ok := out.Get(tt.wantVar)
			if !ok {
				t.Fatalf("variable %q missing; keys = %v", tt.wantVar, out.Keys())
			}
			if !reflect.DeepEqual(got, tt.wantValue) {
				t.Fatalf("%s = %v, want %v", tt.wantVar, got, tt.wantValue)
			}
			if llm.req.Prompt != "Summarize hello" {
				t.Errorf("Prompt = %q", llm.req.Prompt)
			}
			if llm.req.System != DefaultSystemPrompt {
				t.Errorf("System = %q, want default", llm.req.System)
			}
			if llm.req.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", llm.req.Model, tt.wantModel)
			}
			if len(calls) != 1 || calls[0].provider != exec.Provider() || calls[0].apiKey != tt.wantKey {
				t.Errorf("factory calls = %+v", calls)
			}
			assertLifecycle(t, sink, "ai", core.StatusSuccess)
		})
	}
}

func TestAIExecutor_MissingUserPrompt(t *testing.T) {
	var calls []factoryCall
	sink := &recordingSink{}
	exec := NewOpenAI(fakeFactory(&fakeLLM{}, &calls), allCreds, nil, nil)

	_, err := exec.Execute(t.Context(), Input{
		NodeID:   "ai",
		NodeType: core.NodeTypeOpenAI,
		Data:     map[string]any{"variableName": "out"},
		Publish:  sink,
	})

	var ve *core.NodeValidationError
	if !errors.As(err, &ve) || ve.Field != "userPrompt" {
		t.Fatalf("Execute() error = %v, want userPrompt validation error", err)
	}
	if len(calls) != 0 {
		t.Fatal("client created despite validation failure")
	}
	assertLifecycle(t, sink, "ai", core.StatusError)
}

func TestAIExecutor_MissingCredential(t *testing.T) {
	var calls []factoryCall
	sink := &recordingSink{}
	exec := NewAnthropic(fakeFactory(&fakeLLM{}, &calls), MapCredentials{"ANTHROPIC_API_KEY": "  "}, nil, nil)

	_, err := exec.Execute(t.Context(), Input{
		NodeID:   "ai",
		NodeType: core.NodeTypeAnthropic,
		Data:     map[string]any{"userPrompt": "hi"},
		Publish:  sink,
	})

	var ce *core.CredentialMissingError
	if !errors.As(err, &ce) {
		t.Fatalf("Execute() error = %v, want *core.CredentialMissingError", err)
	}
	if ce.EnvVar != "ANTHROPIC_API_KEY" {
		t.Errorf("EnvVar = %q", ce.EnvVar)
	}
	var ve *core.NodeValidationError
	if errors.As(err, &ve) {
		t.Error("credential error should be distinct from prompt validation")
	}
	if len(calls) != 0 {
		t.Fatal("client created without credential")
	}
	assertLifecycle(t, sink, "ai", core.StatusError)
}

func TestAIExecutor_GeminiFallbackKey(t *testing.T) {
	var calls []factoryCall
	exec := NewGemini(fakeFactory(&fakeLLM{text: "x"}, &calls), MapCredentials{"GEMINI_API_KEY": "fallback"}, nil, nil)

	if _, err := exec.Execute(t.Context(), Input{
		NodeID:   "ai",
		NodeType: core.NodeTypeGemini,
		Data:     map[string]any{"userPrompt": "hi"},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(calls) != 1 || calls[0].apiKey != "fallback" {
		t.Fatalf("factory calls = %+v", calls)
	}
}

func TestAIExecutor_ProviderFailure(t *testing.T) {
	cause := errors.New("quota exceeded")
	var calls []factoryCall
	sink := &recordingSink{}
	exec := NewOpenAI(fakeFactory(&fakeLLM{err: cause}, &calls), allCreds, nil, nil)

	_, err := exec.Execute(t.Context(), Input{
		NodeID:   "ai",
		NodeType: core.NodeTypeOpenAI,
		Data:     map[string]any{"userPrompt": "hi", "systemPrompt": "Be brief", "temperature": 0.2, "maxTokens": float64(64)},
		Publish:  sink,
	})

	var ext *core.ExternalCallError
	if !errors.As(err, &ext) || !errors.Is(err, cause) {
		t.Fatalf("Execute() error = %v, want ExternalCallError wrapping cause", err)
	}
	assertLifecycle(t, sink, "ai", core.StatusError)
}

func TestAIExecutor_EmptyCompletion(t *testing.T) {
	var calls []factoryCall
	exec := NewOpenAI(fakeFactory(&fakeLLM{text: ""}, &calls), allCreds, nil, nil)

	out, err := exec.Execute(t.Context(), Input{
		NodeID:   "ai",
		NodeType: core.NodeTypeOpenAI,
		Data:     map[string]any{"userPrompt": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := out.Get("openai")
	if !reflect.DeepEqual(got, map[string]any{"text": ""}) {
		t.Fatalf("openai = %v, want empty text", got)
	}
}

func TestRegistry_CoversEveryNodeType(t *testing.T) {
	reg := NewRegistry(Deps{})
	for _, nt := range core.NodeTypes() {
		if _, err := reg.Lookup(nt); err != nil {
			t.Errorf("Lookup(%s) error = %v", nt, err)
		}
	}
	if _, err := reg.Lookup("SLACK"); !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("Lookup(SLACK) error = %v, want ErrUnknownNodeType", err)
	}

	custom := ExecutorFunc(func(_ context.Context, in Input) (core.ExecutionContext, error) {
		return in.Context, nil
	})
	reg.Register("SLACK", custom)
	if _, err := reg.Lookup("SLACK"); err != nil {
		t.Fatalf("Lookup(SLACK) after Register error = %v", err)
	}
	if got := len(reg.Types()); got != len(core.NodeTypes())+1 {
		t.Fatalf("Types() has %d entries", got)
	}
}

func TestChainCredentials(t *testing.T) {
	chain := ChainCredentials{
		MapCredentials{"OPENAI_API_KEY": " ", "ANTHROPIC_API_KEY": "first"},
		nil,
		MapCredentials{"OPENAI_API_KEY": "second", "ANTHROPIC_API_KEY": "shadowed"},
	}
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{name: "ANTHROPIC_API_KEY", want: "first", wantOK: true},
		{name: "OPENAI_API_KEY", want: "second", wantOK: true},
		{name: "GEMINI_API_KEY"},
	}
	for _, tt := range tests {
		got, ok := chain.Lookup(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("Lookup(%s) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}
