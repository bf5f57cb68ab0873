package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/model"
)

func TestRetrievalHelperCountsPerStore(t *testing.T) {
	input := Input{
		Sources: []model.Source{
			{ID: "v1", Origin: model.OriginVector, Metadata: map[string]any{"title": "Merkblatt"}},
			{ID: "v2", Origin: model.OriginVector},
			{ID: "g1", Origin: model.OriginGraph},
		},
	}

	result, err := RetrievalHelper{}.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOK, result.Status)
	assert.InDelta(t, 0.85, result.Confidence, 0.001)

	counts := result.StructuredFields["sources_per_store"].(map[string]int)
	assert.Equal(t, 2, counts["vector"])
	assert.Equal(t, 1, counts["graph"])
	assert.Contains(t, result.StructuredFields["top_sources"], "Merkblatt")
}

func TestRetrievalHelperEmptyContext(t *testing.T) {
	result, err := RetrievalHelper{}.Execute(context.Background(), Input{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, result.Confidence, 0.001)
	assert.Contains(t, result.Summary, "0 Quellen")
}

func TestTemporalHelperFindsDeadlines(t *testing.T) {
	input := Input{
		Query: model.Query{Text: "Bis wann läuft die Widerspruchsfrist aus dem Bescheid vom 12.03.2024?"},
		Sources: []model.Source{
			{Content: "Der Widerspruch ist binnen 1 Monat einzulegen."},
		},
	}

	result, err := TemporalHelper{}.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOK, result.Status)
	assert.InDelta(t, 0.75, result.Confidence, 0.001)

	mentions := result.StructuredFields["temporal_mentions"].([]string)
	assert.Contains(t, mentions, "12.03.2024")
	assert.Contains(t, mentions, "Widerspruchsfrist")
}

func TestTemporalHelperNothingFound(t *testing.T) {
	result, err := TemporalHelper{}.Execute(context.Background(), Input{
		Query: model.Query{Text: "Wer ist zuständig?"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.AgentOK, result.Status)
	assert.InDelta(t, 0.4, result.Confidence, 0.001)
}

func TestLegalFrameworkHelperCollectsStatutes(t *testing.T) {
	input := Input{
		Intent: model.Intent{Entities: []string{"BImSchG § 5"}},
		Sources: []model.Source{
			{Content: "Nach § 34 BauGB ist das Vorhaben zulässig."},
			{Content: "Siehe erneut BImSchG § 5 zur Pflicht des Betreibers."},
		},
	}

	result, err := LegalFrameworkHelper{}.Execute(context.Background(), input)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.Confidence, 0.001)

	statutes := result.StructuredFields["statutes"].([]string)
	assert.Contains(t, statutes, "BImSchG § 5")
	assert.Contains(t, statutes, "§ 34 BauGB")
	// Duplicate references collapse.
	assert.Len(t, statutes, 2)
}

func TestLegalFrameworkHelperHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := LegalFrameworkHelper{}.Execute(ctx, Input{
		Sources: []model.Source{{Content: "§ 1"}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}
