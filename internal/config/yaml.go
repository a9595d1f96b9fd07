package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts a YAML config file into JSON so both formats go through the
// same strict decoder. Files without a .yaml/.yml extension pass through.
func toJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		// An empty document is an empty config.
		return []byte("{}"), "yaml", nil
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return j, "yaml", nil
}

// stringKeys rewrites map keys as strings; yaml may decode map[any]any.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	}
	return in
}
