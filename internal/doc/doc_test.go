package doc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePreservesNumberPrecision(t *testing.T) {
	out, err := Decode([]byte(`{"count": 9007199254740993}`))
	require.NoError(t, err)
	n, ok := out["count"].(json.Number)
	require.True(t, ok)
	require.Equal(t, "9007199254740993", n.String())
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestKindOfClassifiesEveryKind(t *testing.T) {
	require.Equal(t, KindNull, KindOf(nil))
	require.Equal(t, KindObject, KindOf(map[string]any{}))
	require.Equal(t, KindArray, KindOf([]any{}))
	require.Equal(t, KindString, KindOf("x"))
	require.Equal(t, KindNumber, KindOf(json.Number("1")))
	require.Equal(t, KindBoolean, KindOf(true))
}

func TestIsAnnotatedNodeRequiresExactlyValueAndSource(t *testing.T) {
	require.True(t, IsAnnotatedNode(map[string]any{"value": "x", "source": "h1"}))
	require.False(t, IsAnnotatedNode(map[string]any{"value": "x"}))
	require.False(t, IsAnnotatedNode(map[string]any{"value": "x", "source": "h1", "extra": 1}))
	require.False(t, IsAnnotatedNode("not a map"))
}

func TestCloneDeepCopiesNestedStructures(t *testing.T) {
	original := Document{"a": map[string]any{"b": []any{1, 2}}}
	cloned := Clone(original).(map[string]any)

	nestedMap := cloned["a"].(map[string]any)
	nestedSlice := nestedMap["b"].([]any)
	nestedSlice[0] = "mutated"

	require.Equal(t, 1, original["a"].(map[string]any)["b"].([]any)[0], "mutating the clone must not affect the original")
}
