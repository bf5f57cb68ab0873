// Package synthesis builds the final LLM prompt, drives the streaming
// completion and extracts citations and the trailing structured-metadata
// block from the answer.
package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/invopop/jsonschema"

	"github.com/lotse-ki/lotse/pkg/model"
)

// metadataContract is the JSON object the model must append to its
// answer as a fenced block. Its reflected schema is embedded verbatim in
// the system prompt.
type metadataContract struct {
	NextSteps     []model.NextStep `json:"next_steps"`
	RelatedTopics []string         `json:"related_topics"`
}

// systemTemplate is a real template: placeholders are template actions,
// so literal braces in examples need no escaping.
const systemTemplate = `Du bist ein Assistent für deutsches Verwaltungsrecht.
Beantworte die Frage ausschliesslich anhand der nummerierten Quellen und der Fachbeiträge.
Belege Aussagen mit Quellenverweisen in der Form [n].
Wenn die Quellen keine Antwort hergeben, sage das offen.
{{if gt .PartCount 1}}
Dies ist Teil {{.PartIndex}} von {{.PartCount}} einer mehrteiligen Antwort. Beginne mit "Teil {{.PartIndex}}/{{.PartCount}}:".
{{end}}
Hänge an das Ende deiner Antwort einen eingezäunten JSON-Block an:

` + "```json" + `
{"next_steps": [{"action": "...", "type": "document|link|contact|form"}], "related_topics": ["..."]}
` + "```" + `

Der Block muss diesem Schema folgen:
{{.ContractSchema}}`

const userTemplate = `Frage: {{.Query}}
{{if .Locale}}Sprache der Antwort: {{.Locale}}
{{end}}
{{if .Sources}}Quellen:
{{.Sources}}{{end}}
{{if .Agents}}Fachbeiträge:
{{.Agents}}{{end}}`

type promptData struct {
	Query          string
	Locale         string
	Sources        string
	Agents         string
	ContractSchema string
	PartIndex      int
	PartCount      int
}

// Builder renders the synthesis prompt from an aggregated context.
type Builder struct {
	system         *template.Template
	user           *template.Template
	contractSchema string
}

func NewBuilder() (*Builder, error) {
	system, err := template.New("system").Parse(systemTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse system template: %w", err)
	}
	user, err := template.New("user").Parse(userTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user template: %w", err)
	}

	return &Builder{
		system:         system,
		user:           user,
		contractSchema: contractSchemaJSON(),
	}, nil
}

// Prompt is one renderable synthesis request.
type Prompt struct {
	System string
	User   string
}

// Build renders the prompt for one part. sources carries the part's
// share of the context; markers number the sources globally so that
// citations stay stable across parts.
func (b *Builder) Build(agg *model.AggregatedContext, sources []model.Source, markerOffset, partIndex, partCount int) (Prompt, error) {
	data := promptData{
		Query:          agg.Query.Text,
		Locale:         agg.Query.Locale,
		Sources:        formatSources(sources, markerOffset),
		Agents:         formatAgents(agg.SuccessfulAgents()),
		ContractSchema: b.contractSchema,
		PartIndex:      partIndex,
		PartCount:      partCount,
	}

	var sysBuf, userBuf strings.Builder
	if err := b.system.Execute(&sysBuf, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render system prompt: %w", err)
	}
	if err := b.user.Execute(&userBuf, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render user prompt: %w", err)
	}
	return Prompt{System: sysBuf.String(), User: userBuf.String()}, nil
}

func formatSources(sources []model.Source, markerOffset int) string {
	var sb strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n\n", markerOffset+i+1, src.Title(), src.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatAgents(results []model.AgentResult) string {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s (Konfidenz %.2f): %s\n", r.AgentID, r.Confidence, r.Summary)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func contractSchemaJSON() string {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(metadataContract{})
	data, err := json.Marshal(schema)
	if err != nil {
		return `{"type": "object"}`
	}
	return string(data)
}
