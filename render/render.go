// Package render resolves {{path}} placeholders in node configuration
// strings against the execution context using Handlebars semantics.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aymerick/raymond"
)

// Renderer renders a template string against a variable map.
type Renderer interface {
	Render(template string, vars map[string]any) (string, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(template string, vars map[string]any) (string, error)

// Render calls f(template, vars).
func (f RendererFunc) Render(template string, vars map[string]any) (string, error) {
	return f(template, vars)
}

// Handlebars is the default Renderer. Double-stash output is HTML escaped
// and triple-stash output is not, as in any Handlebars engine. Missing
// paths render as the empty string.
var Handlebars Renderer = RendererFunc(Render)

func init() {
	raymond.RegisterHelper("json", jsonHelper)
}

// jsonHelper stringifies a value so nested objects can be embedded in
// prompts and request bodies: {{json webhook.payload}}.
func jsonHelper(v any) raymond.SafeString {
	b, err := json.Marshal(v)
	if err != nil {
		return raymond.SafeString("")
	}
	return raymond.SafeString(b)
}

// Render executes template against vars. Strings without placeholders are
// returned unchanged without parsing.
func Render(template string, vars map[string]any) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	tpl, err := raymond.Parse(template)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := tpl.Exec(vars)
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return out, nil
}

var placeholderRe = regexp.MustCompile(`\{\{\{?[^{}]*\}?\}\}`)

// StripPlaceholders removes every {{...}} and {{{...}}} expression from s.
// Validators use it to check the static part of a templated value.
func StripPlaceholders(s string) string {
	return placeholderRe.ReplaceAllString(s, "")
}

// HasPlaceholders reports whether s contains a template expression.
func HasPlaceholders(s string) bool {
	return placeholderRe.MatchString(s)
}
