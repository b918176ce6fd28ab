package nodes

import (
	"fmt"
	"net/http"
	"strings"
)

// WebhookAuthType controls ingress request authentication for webhook
// trigger nodes.
type WebhookAuthType string

const (
	WebhookAuthTypeNone        WebhookAuthType = "none"
	WebhookAuthTypeHeaderToken WebhookAuthType = "header_token"
)

// DefaultWebhookAuthHeader is the header checked when header_token auth
// does not name one.
const DefaultWebhookAuthHeader = "X-Webhook-Token"

// WebhookAuthConfig is the optional "auth" block of a webhook trigger node.
// A Token of the form "env:NAME" is resolved from the environment when the
// request is checked.
type WebhookAuthConfig struct {
	Type   WebhookAuthType
	Header string
	Token  string
}

// ParseWebhookAuthConfig reads and normalizes the auth block of a webhook
// trigger node's data.
func ParseWebhookAuthConfig(data map[string]any) (WebhookAuthConfig, error) {
	raw, ok := data["auth"].(map[string]any)
	if !ok {
		return WebhookAuthConfig{Type: WebhookAuthTypeNone}, nil
	}

	cfg := WebhookAuthConfig{
		Type:   WebhookAuthType(strings.ToLower(configString(raw, "type"))),
		Header: configString(raw, "header"),
		Token:  configString(raw, "token"),
	}
	switch cfg.Type {
	case "", WebhookAuthTypeNone:
		return WebhookAuthConfig{Type: WebhookAuthTypeNone}, nil
	case WebhookAuthTypeHeaderToken:
		if cfg.Token == "" {
			return WebhookAuthConfig{}, fmt.Errorf("auth.token is required for header_token auth")
		}
		if cfg.Header == "" {
			cfg.Header = DefaultWebhookAuthHeader
		}
		cfg.Header = http.CanonicalHeaderKey(cfg.Header)
		return cfg, nil
	default:
		return WebhookAuthConfig{}, fmt.Errorf("auth.type must be one of: none, header_token")
	}
}
