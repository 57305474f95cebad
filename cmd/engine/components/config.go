package components

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// AssembleConfig merges node-level overrides over the shared component
// defaults per RFC 7386 (JSON merge patch): override keys replace,
// nested objects merge, explicit nulls delete. Either side may be nil.
func AssembleConfig(defaults, overrides map[string]interface{}) (map[string]interface{}, error) {
	if len(defaults) == 0 && len(overrides) == 0 {
		return map[string]interface{}{}, nil
	}
	if len(overrides) == 0 {
		return cloneConfig(defaults)
	}
	if len(defaults) == 0 {
		return cloneConfig(overrides)
	}

	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal component defaults: %w", err)
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node config: %w", err)
	}

	merged, err := jsonpatch.MergePatch(defaultsJSON, overridesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to merge node config: %w", err)
	}

	var config map[string]interface{}
	if err := json.Unmarshal(merged, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merged config: %w", err)
	}
	return config, nil
}

// cloneConfig deep-copies through JSON so components can mutate their
// config without touching cached rows
func cloneConfig(src map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("failed to clone config: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to clone config: %w", err)
	}
	return out, nil
}

// Typed config accessors. JSON decoding yields float64 for all numbers,
// so the numeric getters coerce.

func configString(config map[string]interface{}, key string) (string, bool) {
	v, ok := config[key].(string)
	return v, ok && v != ""
}

func configNumber(config map[string]interface{}, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func configBool(config map[string]interface{}, key string) bool {
	v, ok := config[key].(bool)
	return ok && v
}

func configMap(config map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := config[key].(map[string]interface{})
	return v, ok
}

func configSlice(config map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := config[key].([]interface{})
	return v, ok
}

// configStringMap coerces a config object into map[string]string,
// skipping non-string values
func configStringMap(config map[string]interface{}, key string) (map[string]string, bool) {
	raw, ok := configMap(config, key)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, true
}
