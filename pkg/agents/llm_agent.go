package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

// llmAgentOutput is the JSON contract a specialist model answers with.
// Its reflected schema is published in the agent descriptor.
type llmAgentOutput struct {
	Summary    string         `json:"summary" jsonschema:"description=Kurze fachliche Einschätzung"`
	Confidence float64        `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Findings   map[string]any `json:"findings,omitempty"`
}

// LLMAgent is a configurable domain specialist backed by the completion
// model. Construction, environmental, traffic, social and financial
// specialists are all instances of this type with different descriptors.
type LLMAgent struct {
	descriptor model.AgentDescriptor
	provider   llms.Provider
	system     string
}

// NewLLMAgent builds a specialist from its declarative config entry.
func NewLLMAgent(id string, cfg config.AgentConfig, provider llms.Provider) *LLMAgent {
	desc := model.AgentDescriptor{
		AgentID:        id,
		Domain:         model.Domain(cfg.Domain),
		Capabilities:   cfg.Capabilities,
		ConcurrencyCap: cfg.ConcurrencyCap,
		TimeoutHint:    cfg.TimeoutHint,
		InputSchema:    reflectSchema(Input{}),
		OutputSchema:   reflectSchema(llmAgentOutput{}),
	}
	if desc.Domain == "" {
		desc.Domain = model.DomainGeneral
	}

	return &LLMAgent{
		descriptor: desc,
		provider:   provider,
		system:     specialistSystemPrompt(desc),
	}
}

func (a *LLMAgent) Descriptor() model.AgentDescriptor { return a.descriptor }

func (a *LLMAgent) Execute(ctx context.Context, input Input) (model.AgentResult, error) {
	response, _, err := a.provider.Generate(ctx, llms.Request{
		System:      a.system,
		Prompt:      a.buildPrompt(input),
		MaxTokens:   512,
		Temperature: 0.2,
		ForceJSON:   true,
	})
	if err != nil {
		return model.AgentResult{}, err
	}

	var parsed llmAgentOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return model.AgentResult{}, fmt.Errorf("specialist returned invalid JSON: %w", err)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0.5
	}

	return model.AgentResult{
		Status:           model.AgentOK,
		Confidence:       parsed.Confidence,
		Summary:          parsed.Summary,
		StructuredFields: parsed.Findings,
	}, nil
}

func (a *LLMAgent) buildPrompt(input Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Frage: %s\n\n", input.Query.Text)
	if len(input.Intent.Entities) > 0 {
		fmt.Fprintf(&sb, "Erkannte Normen: %s\n", strings.Join(input.Intent.Entities, "; "))
	}
	if len(input.Intent.Locations) > 0 {
		fmt.Fprintf(&sb, "Orte: %s\n", strings.Join(input.Intent.Locations, "; "))
	}

	sb.WriteString("\nKontext:\n")
	budget := 6
	for _, src := range input.Sources {
		if budget == 0 {
			break
		}
		budget--
		content := src.Content
		if len(content) > 400 {
			content = content[:400] + "..."
		}
		fmt.Fprintf(&sb, "- %s: %s\n", src.Title(), content)
	}

	sb.WriteString("\nAntworte nur mit dem vereinbarten JSON-Objekt.")
	return sb.String()
}

func specialistSystemPrompt(desc model.AgentDescriptor) string {
	return fmt.Sprintf(`Du bist ein Fachassistent für deutsches Verwaltungsrecht im Bereich %q.
Bewerte die Frage ausschliesslich anhand des mitgelieferten Kontexts.
Antworte mit einem JSON-Objekt: {"summary": "...", "confidence": 0.0-1.0, "findings": {...}}.`, desc.Domain)
}

func reflectSchema(v any) map[string]any {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// RegisterBuiltins registers the always-on helpers and the configured
// LLM specialists.
func RegisterBuiltins(reg *Registry, cfg config.AgentsConfig, provider llms.Provider) error {
	builtins := []Agent{RetrievalHelper{}, TemporalHelper{}, LegalFrameworkHelper{}}
	for _, a := range builtins {
		if err := reg.Register(a); err != nil {
			return err
		}
	}

	// Deterministic registration order for configured specialists.
	ids := make([]string, 0, len(cfg.Registry))
	for id := range cfg.Registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := reg.Register(NewLLMAgent(id, cfg.Registry[id], provider)); err != nil {
			return err
		}
	}
	return nil
}
