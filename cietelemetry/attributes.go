package cietelemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// attributeFor converts a ciecore.Span.SetAttribute value into an OTel
// attribute.KeyValue, covering the value types CIE actually emits
// (strings, bools, and numbers) without forcing callers to depend on
// attribute.KeyValue themselves.
func attributeFor(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, toString(v))
	}
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}
