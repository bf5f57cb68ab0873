package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

// fakeProvider returns a canned response (or error) for Generate.
type fakeProvider struct {
	response string
	err      error
	calls    int
}

func (f *fakeProvider) Generate(ctx context.Context, req llms.Request) (string, int, error) {
	f.calls++
	if f.err != nil {
		return "", 0, f.err
	}
	return f.response, 0, nil
}

func (f *fakeProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) ModelName() string { return "fake" }
func (f *fakeProvider) Close() error      { return nil }

func testIntentConfig() config.IntentConfig {
	return config.IntentConfig{
		LLMThreshold: 0.7,
		LLMTimeout:   time.Second,
	}
}

func TestRulesClassifyConstruction(t *testing.T) {
	got := classifyByRules("Wie beantrage ich eine Baugenehmigung für mein Bauvorhaben in München?")
	assert.Equal(t, model.DomainConstruction, got.Domain)
	assert.Contains(t, got.Locations, "München")
	assert.Greater(t, got.Confidence, 0.5)
}

func TestRulesExtractStatutes(t *testing.T) {
	got := classifyByRules("Welche Pflichten zur Emission ergeben sich aus BImSchG § 5 und § 34 BauGB?")
	assert.Equal(t, model.DomainEnvironmental, got.Domain)
	assert.Contains(t, got.Entities, "BImSchG § 5")
	assert.Contains(t, got.Entities, "§ 34 BauGB")
	assert.NotContains(t, got.Entities, "§ 34 BauG", "code suffix must not truncate")
	assert.NotContains(t, got.Entities, "BauG")
}

func TestRulesExtractStatutesVfGSuffix(t *testing.T) {
	got := classifyByRules("Gilt die Anhörungspflicht nach § 28 VwVfG auch hier?")
	assert.Contains(t, got.Entities, "§ 28 VwVfG")
}

func TestRulesBareSectionReference(t *testing.T) {
	got := classifyByRules("Was bedeutet die aufschiebende Wirkung nach § 80a?")
	assert.Contains(t, got.Entities, "§ 80a")
}

func TestRulesDefaultGeneral(t *testing.T) {
	got := classifyByRules("Hallo, können Sie mir helfen?")
	assert.Equal(t, model.DomainGeneral, got.Domain)
	assert.Equal(t, model.ComplexitySimple, got.Complexity)
	assert.InDelta(t, 0.3, got.Confidence, 0.001)
}

func TestRulesComplexityGrowsWithLength(t *testing.T) {
	long := "Ich habe einen Bauantrag gestellt und das Bauamt verlangt nun ein Lärmschutzgutachten " +
		"wegen der Immission der benachbarten Anlage, außerdem ist unklar, ob die Gebühren " +
		"für die Nutzungsänderung schon fällig sind? Und wer trägt die Kosten des Gutachtens, " +
		"wenn der Bebauungsplan geändert wird?"
	got := classifyByRules(long)
	assert.Contains(t, []model.Complexity{model.ComplexityComplex, model.ComplexityVeryComplex}, got.Complexity)
}

func TestClassifySkipsLLMWhenConfident(t *testing.T) {
	provider := &fakeProvider{response: `{"domain": "traffic"}`}
	c := NewClassifier(provider, testIntentConfig())

	// Keyword + statute + location pushes the rule confidence past 0.7.
	got := c.Classify(context.Background(), model.Query{
		Text: "Baugenehmigung nach § 34 BauGB in Berlin beantragen",
	})
	assert.Equal(t, model.DomainConstruction, got.Domain)
	assert.Zero(t, provider.calls, "LLM pass must be skipped")
}

func TestClassifyUsesLLMWhenUncertain(t *testing.T) {
	provider := &fakeProvider{
		response: `{"domain": "social", "complexity": "standard", "entities": ["SGB II"], "locations": [], "confidence": 0.8}`,
	}
	c := NewClassifier(provider, testIntentConfig())

	got := c.Classify(context.Background(), model.Query{Text: "Wie viel Geld steht mir zu?"})
	assert.Equal(t, model.DomainSocial, got.Domain)
	assert.Contains(t, got.Entities, "SGB II")
	assert.Equal(t, 1, provider.calls)
}

func TestClassifyKeepsRuleResultOnLLMError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("backend down")}
	c := NewClassifier(provider, testIntentConfig())

	got := c.Classify(context.Background(), model.Query{Text: "Wie viel Geld steht mir zu?"})
	assert.Equal(t, model.DomainGeneral, got.Domain)
	assert.Equal(t, 1, provider.calls)
}

func TestClassifyKeepsRuleResultOnGarbageJSON(t *testing.T) {
	provider := &fakeProvider{response: "keine Ahnung"}
	c := NewClassifier(provider, testIntentConfig())

	got := c.Classify(context.Background(), model.Query{Text: "Wie viel Geld steht mir zu?"})
	assert.Equal(t, model.DomainGeneral, got.Domain)
}

func TestClassifyMergesRuleEntities(t *testing.T) {
	provider := &fakeProvider{
		response: `{"domain": "environmental", "complexity": "standard", "entities": ["TA Lärm"], "confidence": 0.6}`,
	}
	c := NewClassifier(provider, testIntentConfig())

	// The statute reference alone does not reach the threshold.
	got := c.Classify(context.Background(), model.Query{Text: "Gilt § 22 hier?"})
	assert.Contains(t, got.Entities, "§ 22")
	assert.Contains(t, got.Entities, "TA Lärm")
}

func TestClassifyWithoutProvider(t *testing.T) {
	c := NewClassifier(nil, testIntentConfig())
	got := c.Classify(context.Background(), model.Query{Text: "Irgendeine Frage"})
	require.NotZero(t, got.Domain)
	assert.Equal(t, model.DomainGeneral, got.Domain)
}
