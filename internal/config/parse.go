package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ParseBytes decodes a config document. name only selects the format:
// *.yaml and *.yml are YAML, anything else is JSON. Both formats go through
// the same strict JSON decoder, so unknown keys and trailing documents are
// errors.
func ParseBytes(name string, data []byte) (*Config, error) {
	format := "json"
	if isYAML(name) {
		format = "yaml"
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("%s config: unexpected data after the document", format)
	default:
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	return out, nil
}

// jsonSafe converts YAML maps with non-string keys, which encoding/json
// cannot marshal, into string-keyed maps.
func jsonSafe(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = jsonSafe(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = jsonSafe(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = jsonSafe(child)
		}
		return out
	}
	return v
}
