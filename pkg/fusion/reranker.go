package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/model"
)

// RerankEntry documents one source's movement through a rerank pass.
type RerankEntry struct {
	SourceID      string  `json:"source_id"`
	OriginalScore float64 `json:"original_score"`
	RerankedScore float64 `json:"reranked_score"`
	Delta         float64 `json:"delta"`
}

// RerankRecord is the diagnostic trail of one reranking pass.
type RerankRecord struct {
	Entries []RerankEntry `json:"entries"`
	Moved   int           `json:"moved"`
}

// Reranker re-orders a fused ranking.
type Reranker interface {
	Rerank(ctx context.Context, query string, sources []model.Source) ([]model.Source, *RerankRecord, error)
}

// LLMReranker asks the model for a 0-1 relevance score per candidate.
// Only the head (TopN) of the fused list is sent; the tail keeps its
// fused order. Any failure falls back to the fused order, never to an
// error upstream.
type LLMReranker struct {
	provider llms.Provider
	cfg      config.RerankConfig
}

func NewLLMReranker(provider llms.Provider, cfg config.RerankConfig) *LLMReranker {
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}
	return &LLMReranker{provider: provider, cfg: cfg}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, sources []model.Source) ([]model.Source, *RerankRecord, error) {
	if len(sources) < 2 {
		return sources, nil, nil
	}

	head := sources
	if len(head) > r.cfg.TopN {
		head = head[:r.cfg.TopN]
	}
	tail := sources[len(head):]

	response, _, err := r.provider.Generate(ctx, llms.Request{
		System:    r.systemPrompt(),
		Prompt:    r.buildPrompt(query, head),
		MaxTokens: 1024,
		ForceJSON: true,
	})
	if err != nil {
		slog.Warn("reranking failed, keeping fused order", "error", err)
		return sources, nil, nil
	}

	scores, err := parseRerankResponse(response)
	if err != nil {
		slog.Warn("unparseable reranking response, keeping fused order", "error", err)
		return sources, nil, nil
	}

	// Position-derived scores make the before/after comparable: first
	// place 1.0, decreasing 0.05 per position, floored at 0.1.
	originalScore := func(pos int) float64 {
		s := 1.0 - float64(pos)*0.05
		if s < 0.1 {
			s = 0.1
		}
		return s
	}

	reranked := make([]model.Source, len(head))
	copy(reranked, head)
	scoreOf := make(map[string]float64, len(head))
	for i, src := range reranked {
		score, ok := scores[src.ID]
		if !ok || score < 0 || score > 1 {
			// Unscored sources keep their position-derived score.
			score = originalScore(i)
		}
		scoreOf[src.ID] = score
		reranked[i].Scores.Rerank = &score
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return scoreOf[reranked[i].ID] > scoreOf[reranked[j].ID]
	})

	record := &RerankRecord{Entries: make([]RerankEntry, len(head))}
	newPos := make(map[string]int, len(reranked))
	for i, src := range reranked {
		newPos[src.ID] = i
	}
	for i, src := range head {
		entry := RerankEntry{
			SourceID:      src.ID,
			OriginalScore: originalScore(i),
			RerankedScore: scoreOf[src.ID],
		}
		entry.Delta = entry.RerankedScore - entry.OriginalScore
		record.Entries[i] = entry
		if newPos[src.ID] != i {
			record.Moved++
		}
	}

	out := append(reranked, tail...)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, record, nil
}

func (r *LLMReranker) systemPrompt() string {
	return "You are a search result scoring system. Score each result's usefulness for the query between 0.0 and 1.0 and return only a JSON object mapping result IDs to scores."
}

func (r *LLMReranker) buildPrompt(query string, sources []model.Source) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Query: %s\n\n", sanitizeInput(query))

	switch r.cfg.Mode {
	case config.RerankInformativeness:
		sb.WriteString("Score each result by how much concrete, actionable information it adds for answering the query.\n\n")
	case config.RerankCombined:
		sb.WriteString("Score each result by relevance to the query, weighing in how much concrete information it adds.\n\n")
	default:
		sb.WriteString("Score each result by relevance to the query.\n\n")
	}

	sb.WriteString("Results:\n\n")
	for i, src := range sources {
		content := src.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		fmt.Fprintf(&sb, "Result %d (ID: %s):\n%s\n\n", i+1, src.ID, sanitizeInput(content))
	}

	sb.WriteString("Return a JSON object mapping every result ID to a score between 0.0 and 1.0.\n")
	sb.WriteString("Format: {\"id1\": 0.9, \"id2\": 0.4}\n")
	return sb.String()
}

func parseRerankResponse(response string) (map[string]float64, error) {
	response = strings.TrimSpace(response)
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("no JSON object in response")
	}

	jsonStr := response[start : end+1]
	var scores map[string]float64
	if err := json.Unmarshal([]byte(jsonStr), &scores); err != nil {
		jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")
		if err := json.Unmarshal([]byte(jsonStr), &scores); err != nil {
			return nil, fmt.Errorf("invalid score object: %w", err)
		}
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("empty score object")
	}
	return scores, nil
}

// sanitizeInput strips role markers and delimiter runs that retrieved
// content could use to break out of the scoring prompt.
func sanitizeInput(input string) string {
	sanitized := input
	for _, marker := range []string{"SYSTEM:", "System:", "system:", "ASSISTANT:", "Assistant:", "assistant:", "USER:", "User:", "user:"} {
		sanitized = strings.ReplaceAll(sanitized, marker, "")
	}
	sanitized = strings.ReplaceAll(sanitized, "```", "")
	sanitized = strings.ReplaceAll(sanitized, "---", "")
	return strings.TrimSpace(sanitized)
}

// NoOpReranker keeps the fused order. Used when reranking is disabled.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, sources []model.Source) ([]model.Source, *RerankRecord, error) {
	return sources, nil, nil
}
