package cietelemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"github.com/stretchr/testify/assert"
)

func TestAttributeFor_String(t *testing.T) {
	attr := attributeFor("level_id", "rule_1")
	assert.Equal(t, attribute.STRING, attr.Value.Type())
	assert.Equal(t, "rule_1", attr.Value.AsString())
}

func TestAttributeFor_Bool(t *testing.T) {
	attr := attributeFor("cache_hit", true)
	assert.Equal(t, attribute.BOOL, attr.Value.Type())
	assert.True(t, attr.Value.AsBool())
}

func TestAttributeFor_Int(t *testing.T) {
	attr := attributeFor("attempts", 3)
	assert.Equal(t, attribute.INT64, attr.Value.Type())
	assert.Equal(t, int64(3), attr.Value.AsInt64())
}

func TestAttributeFor_Float64(t *testing.T) {
	attr := attributeFor("confidence", 0.92)
	assert.Equal(t, attribute.FLOAT64, attr.Value.Type())
	assert.Equal(t, 0.92, attr.Value.AsFloat64())
}

func TestAttributeFor_FallsBackToFormattedString(t *testing.T) {
	attr := attributeFor("err", errors.New("boom"))
	assert.Equal(t, attribute.STRING, attr.Value.Type())
	assert.Equal(t, "boom", attr.Value.AsString())
}

func TestAttributeFor_NilFallsBackToEmptyString(t *testing.T) {
	attr := attributeFor("nothing", nil)
	assert.Equal(t, attribute.STRING, attr.Value.Type())
	assert.Equal(t, "", attr.Value.AsString())
}
