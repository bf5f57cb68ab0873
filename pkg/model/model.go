// Package model holds the shared data types that flow through the
// question-answering pipeline: the incoming query, the classified intent,
// retrieved sources, agent results and the synthesized response.
//
// All types here are plain values. The pipeline controller owns them for
// the lifetime of a run; no type in this package carries behaviour that
// touches shared state.
package model

import "time"

// Domain categorises a query into one of the administrative-law areas the
// system knows specialists for.
type Domain string

const (
	DomainConstruction  Domain = "construction"
	DomainEnvironmental Domain = "environmental"
	DomainTraffic       Domain = "traffic"
	DomainSocial        Domain = "social"
	DomainFinancial     Domain = "financial"
	DomainGeneral       Domain = "general"
)

// Complexity is a coarse estimate of how much reasoning a query needs.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityStandard    Complexity = "standard"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// Origin identifies which backing store (or agent) produced a Source.
type Origin string

const (
	OriginVector     Origin = "vector"
	OriginGraph      Origin = "graph"
	OriginRelational Origin = "relational"
	OriginAgent      Origin = "agent"
)

// CallerOptions are per-request knobs a caller may set.
type CallerOptions struct {
	PreferredAgents []string `json:"preferred_agents,omitempty"`
	MaxSources      int      `json:"max_sources,omitempty"`
	StreamingOn     bool     `json:"streaming_on,omitempty"`
	Locale          string   `json:"locale,omitempty"`
}

// Query is the immutable input of one pipeline run.
type Query struct {
	Text      string        `json:"text"`
	Locale    string        `json:"locale,omitempty"`
	SessionID string        `json:"session_id"`
	Options   CallerOptions `json:"options"`
}

// Intent is the classifier's view of a query. It lives for one run.
type Intent struct {
	Domain     Domain     `json:"domain"`
	Complexity Complexity `json:"complexity"`
	Entities   []string   `json:"entities,omitempty"`
	Locations  []string   `json:"locations,omitempty"`
	Confidence float64    `json:"confidence"`
}

// DefaultIntent is the fallback when classification fails. The pipeline
// must never block on the classifier, so this is always a legal Intent.
func DefaultIntent() Intent {
	return Intent{Domain: DomainGeneral, Complexity: ComplexityStandard}
}

// Scores carries whichever ranking signals a source has accumulated.
// Absent signals stay nil so fusion can distinguish "zero" from "unknown".
type Scores struct {
	Similarity     *float64 `json:"similarity,omitempty"`
	GraphDistance  *int     `json:"graph_distance,omitempty"`
	RelationalRank *int     `json:"relational_rank,omitempty"`
	Rerank         *float64 `json:"rerank,omitempty"`
	Quality        *float64 `json:"quality,omitempty"`
}

// Source is the canonical retrieval unit. ID is unique within a run;
// Key is the backing-store key used for deduplication before fusion.
type Source struct {
	ID       string         `json:"id"`
	Origin   Origin         `json:"origin"`
	Key      string         `json:"key"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Scores   Scores         `json:"scores"`
	Rank     int            `json:"rank,omitempty"`
}

// Title returns the human-facing title of the source, falling back to its id.
func (s Source) Title() string {
	if t, ok := s.Metadata["title"].(string); ok && t != "" {
		return t
	}
	return s.ID
}

// DedupKey identifies a source across result lists.
func (s Source) DedupKey() string {
	return string(s.Origin) + "/" + s.Key
}

// AgentDescriptor is a registry entry describing one agent kind. It is
// registered once and never mutated afterwards.
type AgentDescriptor struct {
	AgentID        string         `json:"agent_id"`
	Domain         Domain         `json:"domain"`
	Capabilities   []string       `json:"capabilities"`
	ConcurrencyCap int            `json:"concurrency_cap"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	TimeoutHint    time.Duration  `json:"timeout_hint"`
}

// AgentStatus is the outcome class of one agent dispatch.
type AgentStatus string

const (
	AgentOK        AgentStatus = "ok"
	AgentTimeout   AgentStatus = "timeout"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// AgentResult is produced for every dispatched agent, including the ones
// that timed out or failed. Failures never abort sibling agents.
type AgentResult struct {
	AgentID          string         `json:"agent_id"`
	Status           AgentStatus    `json:"status"`
	Confidence       float64        `json:"confidence"`
	Summary          string         `json:"summary,omitempty"`
	StructuredFields map[string]any `json:"structured_fields,omitempty"`
	Sources          []Source       `json:"sources,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Latency          time.Duration  `json:"latency_ms"`
}

// Succeeded reports whether the agent produced a usable contribution.
func (r AgentResult) Succeeded() bool { return r.Status == AgentOK }

// AggregatedContext is everything the synthesis stage consumes. Built by
// the controller, shared read-only with the synthesis driver.
type AggregatedContext struct {
	Query        Query
	Intent       Intent
	Sources      []Source
	AgentResults []AgentResult
	TokenBudget  int
	Degraded     []string
}

// SuccessfulAgents returns results with status ok, in their original order.
func (c *AggregatedContext) SuccessfulAgents() []AgentResult {
	out := make([]AgentResult, 0, len(c.AgentResults))
	for _, r := range c.AgentResults {
		if r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Stage names used in progress events, one per controller state.
type Stage string

const (
	StageClassifying Stage = "classifying"
	StageRetrieving  Stage = "retrieving"
	StageFusing      Stage = "fusing"
	StageSelecting   Stage = "selecting"
	StageAgents      Stage = "agents"
	StageBudgeting   Stage = "budgeting"
	StageSynthesis   Stage = "synthesis"
	StagePipeline    Stage = "pipeline"
)

// EventStatus is the lifecycle position of a progress event.
type EventStatus string

const (
	EventStarted  EventStatus = "started"
	EventProgress EventStatus = "progress"
	EventDone     EventStatus = "done"
	EventError    EventStatus = "error"
)

// Event kinds emitted by the core.
const (
	KindIntentDone        = "intent_done"
	KindRetrievalProgress = "retrieval_progress"
	KindRetrievalDone     = "retrieval_done"
	KindAgentSelected     = "agent_selected"
	KindAgentStarted      = "agent_started"
	KindAgentDone         = "agent_done"
	KindFusionDone        = "fusion_done"
	KindBudgetAction      = "budget_action"
	KindSynthesisStarted  = "synthesis_started"
	KindSynthesisChunk    = "synthesis_chunk"
	KindSynthesisDone     = "synthesis_done"
	KindPipelineDone      = "pipeline_done"
	KindError             = "error"
)

// ProgressEvent is one entry on the per-session progress stream.
// EventID is monotonic within a session.
type ProgressEvent struct {
	EventID   uint64         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Stage     Stage          `json:"stage"`
	Status    EventStatus    `json:"status"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// ResponseStatus classifies the completeness of a synthesized response.
type ResponseStatus string

const (
	ResponseDone      ResponseStatus = "done"
	ResponsePartial   ResponseStatus = "partial"
	ResponseMultiPart ResponseStatus = "multi_part"
	ResponseFailed    ResponseStatus = "failed"
)

// Citation maps a [n] marker in the answer text to a source.
type Citation struct {
	Marker   int    `json:"marker"`
	SourceID string `json:"source_id"`
}

// NextStep is one actionable follow-up from the structured metadata block.
type NextStep struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

// StructuredMetadata is the trailing JSON object the model is contractually
// required to append to its answer.
type StructuredMetadata struct {
	NextSteps     []NextStep `json:"next_steps"`
	RelatedTopics []string   `json:"related_topics"`
	RawJSON       string     `json:"-"`
}

// SynthesizedResponse is the final output of one run.
type SynthesizedResponse struct {
	Answer     string             `json:"answer_text"`
	Citations  []Citation         `json:"citations"`
	Metadata   StructuredMetadata `json:"structured_metadata"`
	Confidence float64            `json:"confidence"`
	ModelID    string             `json:"model_id"`
	Duration   time.Duration      `json:"duration_ms"`
	AgentIDs   []string           `json:"agent_ids"`
	SourceIDs  []string           `json:"source_ids"`
	Status     ResponseStatus     `json:"status"`
	PartIndex  int                `json:"part_index,omitempty"`
	PartCount  int                `json:"part_count,omitempty"`
	Degraded   []string           `json:"degraded,omitempty"`
}
