package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lotse-ki/lotse/pkg/model"
)

// The always-on helpers are deterministic: they analyse the query and the
// retrieved sources without further LLM calls.

// RetrievalHelper reports coverage of the retrieved context: how many
// sources each store contributed and which documents lead the ranking.
type RetrievalHelper struct{}

func (RetrievalHelper) Descriptor() model.AgentDescriptor {
	return model.AgentDescriptor{
		AgentID:      "retrieval_helper",
		Domain:       model.DomainGeneral,
		Capabilities: []string{"retrieval_analysis"},
		TimeoutHint:  2 * time.Second,
	}
}

func (RetrievalHelper) Execute(ctx context.Context, input Input) (model.AgentResult, error) {
	perOrigin := make(map[string]int)
	for _, src := range input.Sources {
		perOrigin[string(src.Origin)]++
	}

	var top []string
	for _, src := range input.Sources {
		if len(top) == 3 {
			break
		}
		top = append(top, src.Title())
	}

	confidence := 0.3
	if len(input.Sources) >= 3 {
		confidence = 0.7
	}
	if len(perOrigin) >= 2 {
		confidence += 0.15
	}

	return model.AgentResult{
		Status:     model.AgentOK,
		Confidence: confidence,
		Summary:    fmt.Sprintf("%d Quellen gefunden (%s)", len(input.Sources), formatCounts(perOrigin)),
		StructuredFields: map[string]any{
			"sources_per_store": perOrigin,
			"top_sources":       top,
		},
	}, nil
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, origin := range []string{"vector", "graph", "relational"} {
		if n, ok := counts[origin]; ok {
			parts = append(parts, fmt.Sprintf("%s: %d", origin, n))
		}
	}
	if len(parts) == 0 {
		return "keine Treffer"
	}
	return strings.Join(parts, ", ")
}

// TemporalHelper extracts deadlines and date references from the query
// and the retrieved sources.
type TemporalHelper struct{}

var (
	dateRe     = regexp.MustCompile(`\b\d{1,2}\.\d{1,2}\.\d{2,4}\b`)
	durationRe = regexp.MustCompile(`(?i)\b(?:binnen|innerhalb von|innerhalb)?\s*(\d+)\s*(Tag(?:e|en)?|Woche(?:n)?|Monat(?:e|en)?|Jahr(?:e|en)?)\b`)
	deadlineRe = regexp.MustCompile(`(?i)\b(Frist|Widerspruchsfrist|Klagefrist|Antragsfrist|Verjährung)\b`)
)

func (TemporalHelper) Descriptor() model.AgentDescriptor {
	return model.AgentDescriptor{
		AgentID:      "temporal_helper",
		Domain:       model.DomainGeneral,
		Capabilities: []string{"temporal_analysis"},
		TimeoutHint:  2 * time.Second,
	}
}

func (TemporalHelper) Execute(ctx context.Context, input Input) (model.AgentResult, error) {
	seen := make(map[string]struct{})
	var mentions []string
	scan := func(text string) {
		for _, re := range []*regexp.Regexp{dateRe, durationRe, deadlineRe} {
			for _, m := range re.FindAllString(text, -1) {
				m = strings.TrimSpace(m)
				if _, ok := seen[strings.ToLower(m)]; ok {
					continue
				}
				seen[strings.ToLower(m)] = struct{}{}
				mentions = append(mentions, m)
			}
		}
	}

	scan(input.Query.Text)
	for _, src := range input.Sources {
		if ctx.Err() != nil {
			return model.AgentResult{}, ctx.Err()
		}
		scan(src.Content)
	}

	if len(mentions) == 0 {
		return model.AgentResult{
			Status:     model.AgentOK,
			Confidence: 0.4,
			Summary:    "Keine Fristen oder Datumsangaben im Kontext gefunden",
			StructuredFields: map[string]any{
				"temporal_mentions": []string{},
			},
		}, nil
	}

	return model.AgentResult{
		Status:     model.AgentOK,
		Confidence: 0.75,
		Summary:    fmt.Sprintf("Zeitbezüge im Kontext: %s", strings.Join(capStrings(mentions, 6), "; ")),
		StructuredFields: map[string]any{
			"temporal_mentions": mentions,
		},
	}, nil
}

// LegalFrameworkHelper collects the statutes touched by the query and the
// retrieved sources into one normative frame.
type LegalFrameworkHelper struct{}

// Longest suffix first, boundary-anchored: "BauGB" must not truncate to
// "BauG".
var statuteRefRe = regexp.MustCompile(`(?:[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]*(?:GB|GO|VO|VfG|G)\b\s*)?§+\s*\d+[a-z]?(?:\s+[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]*(?:GB|GO|VO|VfG|G)\b)?`)

func (LegalFrameworkHelper) Descriptor() model.AgentDescriptor {
	return model.AgentDescriptor{
		AgentID:      "legal_framework",
		Domain:       model.DomainGeneral,
		Capabilities: []string{"legal_framework"},
		TimeoutHint:  2 * time.Second,
	}
}

func (LegalFrameworkHelper) Execute(ctx context.Context, input Input) (model.AgentResult, error) {
	seen := make(map[string]struct{})
	var statutes []string
	add := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok || s == "" {
			return
		}
		seen[key] = struct{}{}
		statutes = append(statutes, s)
	}

	for _, e := range input.Intent.Entities {
		add(e)
	}
	for _, src := range input.Sources {
		if ctx.Err() != nil {
			return model.AgentResult{}, ctx.Err()
		}
		for _, m := range statuteRefRe.FindAllString(src.Content, -1) {
			add(m)
		}
	}

	confidence := 0.4
	summary := "Keine Rechtsnormen im Kontext identifiziert"
	if len(statutes) > 0 {
		confidence = 0.8
		summary = fmt.Sprintf("Einschlägige Normen: %s", strings.Join(capStrings(statutes, 8), "; "))
	}

	return model.AgentResult{
		Status:     model.AgentOK,
		Confidence: confidence,
		Summary:    summary,
		StructuredFields: map[string]any{
			"statutes": statutes,
		},
	}, nil
}

func capStrings(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
