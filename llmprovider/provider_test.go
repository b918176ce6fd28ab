package llmprovider

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewClient_KnownProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		providerName string
		wantType     string
	}{
		{name: "openai", providerName: "openai", wantType: "*openai.OpenAI"},
		{name: "anthropic", providerName: "anthropic", wantType: "*anthropic.Anthropic"},
		{name: "provider names are case-insensitive", providerName: "OpenAI", wantType: "*openai.OpenAI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewClient(tt.providerName, "test-key")
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			adapter, ok := client.(*irisAdapter)
			if !ok {
				t.Fatalf("expected *irisAdapter, got %T", client)
			}
			if got := reflect.TypeOf(adapter.provider).String(); got != tt.wantType {
				t.Fatalf("provider type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestNewClient_Gemini(t *testing.T) {
	t.Parallel()

	client, err := NewClient("gemini", "test-key")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, ok := client.(*irisAdapter); !ok {
		t.Fatalf("expected *irisAdapter, got %T", client)
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewClient("definitely-not-a-provider", "")
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("error = %q, want to contain %q", err.Error(), "unknown provider")
	}
}
