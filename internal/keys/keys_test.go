package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/annotate"
	"github.com/bookmeta/reconciler/internal/doc"
)

func annotatedBook(t *testing.T, processedAt, system string) doc.Document {
	t.Helper()
	return annotatedBookWith(t, processedAt, system, nil)
}

func annotatedBookWith(t *testing.T, processedAt, system string, extra map[string]any) doc.Document {
	t.Helper()
	source := map[string]any{
		"system":      system,
		"processedAt": processedAt,
	}
	for k, v := range extra {
		source[k] = v
	}
	raw := doc.Document{
		"$schema":        "book",
		"classification": map[string]any{"isbn": "9780441013593"},
		"source":         source,
	}
	out, err := annotate.Annotate(raw, annotate.Options{})
	require.NoError(t, err)
	return out
}

func TestExtractMissingSchema(t *testing.T) {
	_, err := Extract(doc.Document{"source": map[string]any{}}, DefaultOptions())
	require.ErrorIs(t, err, ErrMissingSchema)
}

func TestExtractMissingClassification(t *testing.T) {
	d := annotatedBook(t, "2026-01-01T00:00:00Z", "ils-a")
	delete(d, "classification")
	_, err := Extract(d, DefaultOptions())
	require.ErrorIs(t, err, ErrMissingClassification)
}

func TestCurrentKeyIgnoresVolatileSourceFields(t *testing.T) {
	a := annotatedBook(t, "2026-01-01T00:00:00Z", "ils-a")
	b := annotatedBook(t, "2026-06-01T00:00:00Z", "ils-b")

	ka, err := Extract(a, DefaultOptions())
	require.NoError(t, err)
	kb, err := Extract(b, DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, ka.CurrentKey, kb.CurrentKey, "current key must collapse across sources for the same entity")
	require.Equal(t, ka.HistoryKey, kb.HistoryKey, "history key must ignore processedAt/system once stripped")
}

// TestHistoryKeyStableAcrossResendWithNonVolatileFieldPresent guards
// against re-keying strippedSourceMetadata's output by the unstripped
// src_hash: two documents sharing a non-volatile source field but
// differing in processedAt/system must still land on the same history
// key, and a document with a different value for that field must not.
func TestHistoryKeyStableAcrossResendWithNonVolatileFieldPresent(t *testing.T) {
	a := annotatedBookWith(t, "2026-01-01T00:00:00Z", "ils-a", map[string]any{"libraryCode": "MAIN"})
	resend := annotatedBookWith(t, "2026-06-01T00:00:00Z", "ils-b", map[string]any{"libraryCode": "MAIN"})
	other := annotatedBookWith(t, "2026-01-01T00:00:00Z", "ils-a", map[string]any{"libraryCode": "BRANCH"})

	ka, err := Extract(a, DefaultOptions())
	require.NoError(t, err)
	kResend, err := Extract(resend, DefaultOptions())
	require.NoError(t, err)
	kOther, err := Extract(other, DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, ka.HistoryKey, kResend.HistoryKey, "resend with only processedAt/system changed must keep the same history key")
	require.NotEqual(t, ka.HistoryKey, kOther.HistoryKey, "a genuinely different non-volatile source field must change the history key")
}

func TestHistoryKeyChangesWithStripFieldsConfig(t *testing.T) {
	a := annotatedBook(t, "2026-01-01T00:00:00Z", "ils-a")

	withDefault, err := Extract(a, DefaultOptions())
	require.NoError(t, err)

	withNoStrip, err := Extract(a, Options{StripFields: nil})
	require.NoError(t, err)
	// nil StripFields falls back to DefaultOptions inside strippedSourceMetadata,
	// so this should still equal the default-options key.
	require.Equal(t, withDefault.HistoryKey, withNoStrip.HistoryKey)

	withCustomStrip, err := Extract(a, Options{StripFields: []string{"system"}})
	require.NoError(t, err)
	require.NotEqual(t, withDefault.HistoryKey, withCustomStrip.HistoryKey, "stripping a different field set must change the derived key")
}
