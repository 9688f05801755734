package revisions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/annotate"
	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/merge"
)

func annotated(t *testing.T, title, processedAt, system string) doc.Document {
	t.Helper()
	raw := doc.Document{
		"$schema": "book",
		"title":   title,
		"source": map[string]any{
			"system":      system,
			"processedAt": processedAt,
		},
	}
	out, err := annotate.Annotate(raw, annotate.Options{})
	require.NoError(t, err)
	return out
}

func TestBuildRevisionsEmptyHistory(t *testing.T) {
	out, err := BuildRevisions(nil, merge.Options{})
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestBuildRevisionsSingleDocumentIsAllAdds(t *testing.T) {
	a := annotated(t, "Dune", "2026-01-01T00:00:00Z", "ils-a")
	revs, err := BuildRevisions([]doc.Document{a}, merge.Options{})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Equal(t, "ils-a", revs[0].System)

	for _, c := range revs[0].Changes {
		require.Equal(t, Added, c.Kind)
	}
}

func TestBuildRevisionsOrdersByProcessedAtThenSystem(t *testing.T) {
	later := annotated(t, "Later Title", "2026-06-01T00:00:00Z", "ils-z")
	earlier := annotated(t, "Earlier Title", "2026-01-01T00:00:00Z", "ils-a")

	revs, err := BuildRevisions([]doc.Document{later, earlier}, merge.Options{})
	require.NoError(t, err)
	require.Len(t, revs, 2)
	require.Equal(t, "ils-a", revs[0].System, "earlier processedAt must replay first regardless of input order")
	require.Equal(t, "ils-z", revs[1].System)
}

func TestBuildRevisionsSecondDocumentChangesOverlappingField(t *testing.T) {
	first := annotated(t, "Old Title", "2026-01-01T00:00:00Z", "ils-a")
	second := annotated(t, "New Title", "2026-02-01T00:00:00Z", "ils-b")

	revs, err := BuildRevisions([]doc.Document{first, second}, merge.Options{})
	require.NoError(t, err)
	require.Len(t, revs, 2)

	var titleChange *Change
	for i := range revs[1].Changes {
		if revs[1].Changes[i].Path == "title" {
			titleChange = &revs[1].Changes[i]
		}
	}
	require.NotNil(t, titleChange, "the later document's differing title must surface as a change on the second revision")
	require.Equal(t, Changed, titleChange.Kind)
	require.Equal(t, "Old Title", titleChange.Before)
	require.Equal(t, "New Title", titleChange.After)
}

func TestBuildRevisionsExcludesSourceFromDiff(t *testing.T) {
	a := annotated(t, "Dune", "2026-01-01T00:00:00Z", "ils-a")
	revs, err := BuildRevisions([]doc.Document{a}, merge.Options{})
	require.NoError(t, err)

	for _, c := range revs[0].Changes {
		require.NotContains(t, c.Path, "source", "provenance metadata must not appear as a diffed leaf path")
	}
}
