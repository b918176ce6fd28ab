// Package loader reads nodeflow workflow definitions from JSON and YAML
// files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a workflow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the encoding of data:
//  1. .yaml/.yml extensions are YAML, .json is JSON
//  2. otherwise content starting with '{' or '[' is JSON
//  3. anything else is YAML
func DetectFormat(data []byte, filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON returns data as JSON bytes. YAML goes through map[string]any so
// node data decodes the same way it does from the API.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatJSON {
		return data, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parsing YAML: document is empty")
	}
	// yaml.v3 decodes mappings to map[string]any, which is JSON-compatible
	return json.Marshal(raw)
}
