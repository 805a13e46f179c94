package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// jsonForm returns the raw config bytes in JSON form. Files with a
// .yaml/.yml extension are decoded and re-encoded so that both formats
// go through the same strict JSON decoder; everything else is assumed
// to already be JSON. The second return names the detected format for
// error messages.
func jsonForm(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("decode yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("re-encode yaml as json: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites every map key to a string. YAML permits scalar
// keys that JSON cannot carry, and older decoders hand back
// map[any]any for nested mappings.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, item := range node {
			node[k] = stringKeys(item)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, item := range node {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []any:
		for i, item := range node {
			node[i] = stringKeys(item)
		}
		return node
	}
	return v
}
