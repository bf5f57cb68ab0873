// Package intent classifies a query into domain, complexity and extracted
// entities. Classification never blocks the pipeline: every path returns
// a usable Intent.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

// Classifier runs the rule pass and, when the rules are not confident
// enough, a second LLM pass under its own timeout.
type Classifier struct {
	provider llms.Provider
	cfg      config.IntentConfig
}

func NewClassifier(provider llms.Provider, cfg config.IntentConfig) *Classifier {
	return &Classifier{provider: provider, cfg: cfg}
}

// Classify returns the best available Intent. The LLM pass is skipped
// when the rule pass already meets the confidence threshold; any LLM or
// parse failure keeps the rule result.
func (c *Classifier) Classify(ctx context.Context, query model.Query) model.Intent {
	ruled := classifyByRules(query.Text)
	if ruled.Confidence >= c.cfg.LLMThreshold || c.provider == nil {
		return ruled
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	refined, err := c.classifyByLLM(llmCtx, query.Text)
	if err != nil {
		slog.Debug("llm intent pass failed, keeping rule result", "error", err)
		return ruled
	}

	// The LLM refines domain and complexity; rule-extracted statutes and
	// locations are kept and extended, not replaced.
	refined.Entities = mergeUnique(ruled.Entities, refined.Entities)
	refined.Locations = mergeUnique(ruled.Locations, refined.Locations)
	if refined.Confidence < ruled.Confidence {
		refined.Confidence = ruled.Confidence
	}
	return refined
}

type llmIntentResponse struct {
	Domain     string   `json:"domain"`
	Complexity string   `json:"complexity"`
	Entities   []string `json:"entities"`
	Locations  []string `json:"locations"`
	Confidence float64  `json:"confidence"`
}

func (c *Classifier) classifyByLLM(ctx context.Context, text string) (model.Intent, error) {
	start := time.Now()
	response, _, err := c.provider.Generate(ctx, llms.Request{
		System:      classifierSystemPrompt,
		Prompt:      "Frage: " + text,
		MaxTokens:   256,
		Temperature: 0.1,
		ForceJSON:   true,
	})
	if err != nil {
		return model.Intent{}, err
	}

	var parsed llmIntentResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return model.Intent{}, fmt.Errorf("invalid classifier response: %w", err)
	}

	out := model.Intent{
		Domain:     parseDomain(parsed.Domain),
		Complexity: parseComplexity(parsed.Complexity),
		Entities:   parsed.Entities,
		Locations:  parsed.Locations,
		Confidence: parsed.Confidence,
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		out.Confidence = 0.5
	}

	slog.Debug("llm intent pass done",
		"domain", out.Domain, "complexity", out.Complexity,
		"duration", time.Since(start))
	return out, nil
}

const classifierSystemPrompt = `Du klassifizierst Fragen zum deutschen Verwaltungsrecht.
Antworte ausschliesslich mit einem JSON-Objekt:
{"domain": "construction|environmental|traffic|social|financial|general",
 "complexity": "simple|standard|complex|very_complex",
 "entities": ["genannte Normen, z.B. BImSchG § 5"],
 "locations": ["genannte Orte oder Bundeslaender"],
 "confidence": 0.0-1.0}`

func parseDomain(s string) model.Domain {
	switch model.Domain(strings.ToLower(strings.TrimSpace(s))) {
	case model.DomainConstruction:
		return model.DomainConstruction
	case model.DomainEnvironmental:
		return model.DomainEnvironmental
	case model.DomainTraffic:
		return model.DomainTraffic
	case model.DomainSocial:
		return model.DomainSocial
	case model.DomainFinancial:
		return model.DomainFinancial
	default:
		return model.DomainGeneral
	}
}

func parseComplexity(s string) model.Complexity {
	switch model.Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case model.ComplexitySimple:
		return model.ComplexitySimple
	case model.ComplexityComplex:
		return model.ComplexityComplex
	case model.ComplexityVeryComplex:
		return model.ComplexityVeryComplex
	default:
		return model.ComplexityStandard
	}
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			key := strings.ToLower(strings.TrimSpace(s))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
