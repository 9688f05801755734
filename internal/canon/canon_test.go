package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONSortsMapKeysDeterministically(t *testing.T) {
	a, err := JSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := JSON(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestEqualIgnoresFieldOrder(t *testing.T) {
	require.True(t, Equal(
		map[string]any{"isbn": "111", "edition": "1st"},
		map[string]any{"edition": "1st", "isbn": "111"},
	))
	require.False(t, Equal(
		map[string]any{"isbn": "111"},
		map[string]any{"isbn": "222"},
	))
}

func TestKeyIsStableAcrossFieldOrder(t *testing.T) {
	k1, err := Key(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	k2, err := Key(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 64, "Key must be a hex-encoded SHA-256 digest")
}

func TestSHA1HexMatchesKnownDigest(t *testing.T) {
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", SHA1Hex(nil))
}

func TestJSONPreservesJSONNumberVerbatim(t *testing.T) {
	b, err := JSON(json.Number("42"))
	require.NoError(t, err)
	require.Equal(t, "42", string(b))
}

func TestJSONRejectsUnsupportedType(t *testing.T) {
	_, err := JSON(struct{}{})
	require.Error(t, err)
}
