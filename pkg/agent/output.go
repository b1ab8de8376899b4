package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputKind tags the variant of an expert's final output.
type OutputKind string

const (
	// OutputText is a plain string answer.
	OutputText OutputKind = "text"
	// OutputMap is a structured map payload (e.g. an interactive map widget).
	OutputMap OutputKind = "map"
	// OutputJSON is any other structured value.
	OutputJSON OutputKind = "json"
)

// Output is the tagged variant an expert run produces. Exactly one of the
// value fields is meaningful, selected by Kind.
type Output struct {
	Kind  OutputKind
	Text  string
	Value any // for OutputMap and OutputJSON
}

// TextOutput wraps a plain string answer.
func TextOutput(s string) Output {
	return Output{Kind: OutputText, Text: s}
}

// StructuredOutput wraps a structured value, classifying map payloads that
// carry a discriminant "type" tag as OutputMap.
func StructuredOutput(v any) Output {
	if m, ok := v.(map[string]any); ok {
		if _, tagged := m[mapDiscriminantKey].(string); tagged {
			return Output{Kind: OutputMap, Value: m}
		}
	}
	return Output{Kind: OutputJSON, Value: v}
}

// mapDiscriminantKey marks interactive map payloads, e.g.
// {"type": "map", "markers": [...]}.
const mapDiscriminantKey = "type"

// preferredTextKeys are checked in order when coercing a structured value to
// renderable text.
var preferredTextKeys = []string{"response", "answer", "content", "text", "message", "output"}

// CoerceText converts an Output into renderable text, guaranteeing consumers
// always receive a string:
//
//   - text: returned as-is
//   - map payloads with a discriminant tag: fenced JSON block
//   - other structured values: prefer a response/answer/content/text/message/
//     output field, descend lists taking the first non-empty element, and fall
//     back to a fenced JSON serialization
func (o Output) CoerceText() string {
	switch o.Kind {
	case OutputText:
		return o.Text
	case OutputMap:
		return fencedJSON(o.Value)
	default:
		return coerceValue(o.Value)
	}
}

// IsEmpty reports whether the output coerces to whitespace only.
func (o Output) IsEmpty() bool {
	return strings.TrimSpace(o.CoerceText()) == ""
}

func coerceValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any:
		if _, tagged := x[mapDiscriminantKey].(string); tagged {
			return fencedJSON(x)
		}
		for _, key := range preferredTextKeys {
			if inner, ok := x[key]; ok {
				if s := coerceValue(inner); strings.TrimSpace(s) != "" {
					return s
				}
			}
		}
		return fencedJSON(x)
	case []any:
		for _, item := range x {
			if s := coerceValue(item); strings.TrimSpace(s) != "" {
				return s
			}
		}
		return ""
	case fmt.Stringer:
		return x.String()
	case float64, float32, int, int32, int64, bool:
		return fmt.Sprint(x)
	default:
		return fencedJSON(x)
	}
}

func fencedJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("```\n%v\n```", v)
	}
	return fmt.Sprintf("```json\n%s\n```", data)
}
