package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

type cannedProvider struct {
	response string
	err      error
	requests []llms.Request
}

func (p *cannedProvider) Generate(ctx context.Context, req llms.Request) (string, int, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return "", 0, p.err
	}
	return p.response, 0, nil
}

func (p *cannedProvider) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not used")
}

func (p *cannedProvider) ModelName() string { return "test-model" }
func (p *cannedProvider) Close() error      { return nil }

func specialistConfig() config.AgentConfig {
	return config.AgentConfig{
		Domain:       "construction",
		Capabilities: []string{"baurecht"},
	}
}

func specialistInput() Input {
	return Input{
		Query:  model.Query{Text: "Brauche ich eine Baugenehmigung?"},
		Intent: model.Intent{Entities: []string{"§ 63 BauO NRW"}},
		Sources: []model.Source{
			{ID: "s1", Content: "Verfahrensfreie Bauvorhaben nach § 62.", Metadata: map[string]any{"title": "BauO Auszug"}},
		},
	}
}

func TestLLMAgentParsesContract(t *testing.T) {
	provider := &cannedProvider{
		response: `{"summary": "Genehmigungsfrei nach § 62.", "confidence": 0.8, "findings": {"norm": "§ 62 BauO NRW"}}`,
	}
	agent := NewLLMAgent("bau_experte", specialistConfig(), provider)

	result, err := agent.Execute(context.Background(), specialistInput())
	require.NoError(t, err)

	assert.Equal(t, model.AgentOK, result.Status)
	assert.Equal(t, 0.8, result.Confidence)
	assert.Equal(t, "Genehmigungsfrei nach § 62.", result.Summary)
	assert.Equal(t, "§ 62 BauO NRW", result.StructuredFields["norm"])

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.True(t, req.ForceJSON)
	assert.Contains(t, req.Prompt, "Brauche ich eine Baugenehmigung?")
	assert.Contains(t, req.Prompt, "§ 63 BauO NRW")
	assert.Contains(t, req.Prompt, "BauO Auszug")
	assert.Contains(t, req.System, "construction")
}

func TestLLMAgentRejectsInvalidJSON(t *testing.T) {
	provider := &cannedProvider{response: "Das kann ich nicht beantworten."}
	agent := NewLLMAgent("bau_experte", specialistConfig(), provider)

	_, err := agent.Execute(context.Background(), specialistInput())
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestLLMAgentClampsOutOfRangeConfidence(t *testing.T) {
	provider := &cannedProvider{response: `{"summary": "ok", "confidence": 7.5}`}
	agent := NewLLMAgent("bau_experte", specialistConfig(), provider)

	result, err := agent.Execute(context.Background(), specialistInput())
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestLLMAgentPropagatesProviderError(t *testing.T) {
	backendErr := errors.New("backend gone")
	provider := &cannedProvider{err: backendErr}
	agent := NewLLMAgent("bau_experte", specialistConfig(), provider)

	_, err := agent.Execute(context.Background(), specialistInput())
	assert.ErrorIs(t, err, backendErr)
}

func TestLLMAgentDescriptorDefaultsDomain(t *testing.T) {
	agent := NewLLMAgent("allrounder", config.AgentConfig{}, &cannedProvider{})

	desc := agent.Descriptor()
	assert.Equal(t, model.DomainGeneral, desc.Domain)
	assert.NotNil(t, desc.OutputSchema)
}

func TestRegisterBuiltinsOrder(t *testing.T) {
	reg := NewRegistry()
	cfg := config.AgentsConfig{
		Registry: map[string]config.AgentConfig{
			"umwelt_experte": {Domain: "environmental"},
			"bau_experte":    {Domain: "construction"},
		},
	}

	require.NoError(t, RegisterBuiltins(reg, cfg, &cannedProvider{}))

	var ids []string
	for _, desc := range reg.Descriptors() {
		ids = append(ids, desc.AgentID)
	}

	// Built-in helpers first, then configured specialists sorted by id.
	assert.Equal(t, []string{
		"retrieval_helper", "temporal_helper", "legal_framework",
		"bau_experte", "umwelt_experte",
	}, ids)
}
