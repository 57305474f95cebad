package components

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lyzr/nodeflow/cmd/engine/state"
)

// exprPattern matches ${path} template expressions
var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// renderValue recursively substitutes ${path} expressions in a config
// value against the state document. Paths are gjson paths into the
// state blob, e.g. ${trigger.text} or ${node_outputs.fetch.body.title}.
//
// A string that is exactly one expression resolves to the typed value
// at that path; expressions embedded in a longer string interpolate as
// text (complex values as compact JSON). Maps and arrays render
// element-wise; other primitives pass through.
func renderValue(doc []byte, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return renderString(doc, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			rendered, err := renderValue(doc, item)
			if err != nil {
				return nil, fmt.Errorf("failed to render %s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := renderValue(doc, item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func renderString(doc []byte, str string) (interface{}, error) {
	matches := exprPattern.FindAllStringSubmatch(str, -1)
	if len(matches) == 0 {
		return str, nil
	}

	// A bare expression keeps the resolved type
	if len(matches) == 1 && strings.TrimSpace(str) == matches[0][0] {
		return lookupPath(doc, matches[0][1])
	}

	result := str
	for _, match := range matches {
		value, err := lookupPath(doc, match[1])
		if err != nil {
			return nil, err
		}
		result = strings.Replace(result, match[0], stringify(value), 1)
	}
	return result, nil
}

func lookupPath(doc []byte, path string) (interface{}, error) {
	result := gjson.GetBytes(doc, strings.TrimSpace(path))
	if !result.Exists() {
		return nil, fmt.Errorf("template path not found in state: %s", path)
	}
	return result.Value(), nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// stateDoc marshals state once for gjson lookups
func stateDoc(st *state.State) ([]byte, error) {
	doc, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state for templating: %w", err)
	}
	return doc, nil
}
