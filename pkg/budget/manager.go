package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
)

// ErrBudgetExhausted means no strategy can shrink the prompt to a viable
// size. The run aborts.
var ErrBudgetExhausted = errors.New("token budget below minimum viable prompt")

// Action documents one applied overflow reduction for the progress bus.
type Action struct {
	Strategy    config.OverflowStrategy `json:"strategy"`
	TokensSaved int                     `json:"tokens_saved"`
	Parts       int                     `json:"parts,omitempty"`
	Detail      map[string]any          `json:"detail,omitempty"`
}

// Manager sizes the synthesis prompt against the model context window and
// applies at most one overflow strategy per run.
type Manager struct {
	counter  *TokenCounter
	budget   config.BudgetConfig
	overflow config.OverflowConfig
}

func NewManager(counter *TokenCounter, budgetCfg config.BudgetConfig, overflowCfg config.OverflowConfig) *Manager {
	return &Manager{
		counter:  counter,
		budget:   budgetCfg,
		overflow: overflowCfg,
	}
}

// Available is the prompt budget: the context window minus the reserved
// system, response and safety shares.
func (m *Manager) Available() int {
	return m.budget.ContextWindowTokens -
		m.budget.ReservedSystemTokens -
		m.budget.ReservedResponseTokens -
		m.budget.SafetyMarginTokens
}

// Counter exposes the underlying tokenizer for prompt measurement.
func (m *Manager) Counter() *TokenCounter { return m.counter }

// Reconcile checks the assembled context against the budget and, when it
// overflows, applies the first configured strategy whose precondition
// holds and whose estimated savings cover the overflow. The context is
// mutated in place; the returned Action is nil when everything fit.
func (m *Manager) Reconcile(agg *model.AggregatedContext, promptTokens int) (*Action, error) {
	available := m.Available()
	if available < m.overflow.MinViablePromptTokens {
		return nil, fmt.Errorf("%w: available %d, minimum %d",
			ErrBudgetExhausted, available, m.overflow.MinViablePromptTokens)
	}

	agg.TokenBudget = available
	if promptTokens <= available {
		return nil, nil
	}
	overflow := promptTokens - available

	for _, strategy := range m.overflow.StrategyPriority {
		var action *Action
		switch strategy {
		case config.OverflowRerankAndDrop:
			action = m.rerankAndDrop(agg, overflow)
		case config.OverflowSummarizeContext:
			action = m.summarizeContext(agg, overflow)
		case config.OverflowReduceAgents:
			action = m.reduceAgents(agg, overflow)
		case config.OverflowChunkedResponse:
			action = m.chunkedResponse(promptTokens, available)
		}
		if action == nil {
			continue
		}

		observability.OverflowApplied.WithLabelValues(string(action.Strategy)).Inc()
		slog.Info("token budget overflow handled",
			"strategy", action.Strategy, "overflow", overflow,
			"tokens_saved", action.TokensSaved)
		return action, nil
	}

	return nil, fmt.Errorf("%w: overflow of %d tokens not coverable", ErrBudgetExhausted, overflow)
}

func (m *Manager) sourceTokens(src model.Source) int {
	// Small per-source overhead for the title line and citation marker.
	return m.counter.Count(src.Content) + 16
}

// rerankAndDrop keeps the best-ranked sources and drops the tail until
// the savings cover the overflow. At least one source is kept.
func (m *Manager) rerankAndDrop(agg *model.AggregatedContext, overflow int) *Action {
	if len(agg.Sources) < 2 {
		return nil
	}

	// Sources arrive ranked; a rerank pass may have refined the order.
	ordered := make([]model.Source, len(agg.Sources))
	copy(ordered, agg.Sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Scores.Rerank, ordered[j].Scores.Rerank
		if ri != nil && rj != nil && *ri != *rj {
			return *ri > *rj
		}
		return ordered[i].Rank < ordered[j].Rank
	})

	saved := 0
	cut := len(ordered)
	for cut > 1 && saved < overflow {
		cut--
		saved += m.sourceTokens(ordered[cut])
	}
	if saved < overflow {
		return nil
	}

	dropped := len(ordered) - cut
	agg.Sources = ordered[:cut]
	return &Action{
		Strategy:    config.OverflowRerankAndDrop,
		TokensSaved: saved,
		Detail: map[string]any{
			"sources_kept":    cut,
			"sources_dropped": dropped,
		},
	}
}

// summarizeContext compresses source contents by sentence extraction.
func (m *Manager) summarizeContext(agg *model.AggregatedContext, overflow int) *Action {
	if len(agg.Sources) == 0 {
		return nil
	}

	summaries := make([]string, len(agg.Sources))
	saved := 0
	for i, src := range agg.Sources {
		summaries[i] = SummarizeByExtraction(src.Content, 2)
		if diff := m.counter.Count(src.Content) - m.counter.Count(summaries[i]); diff > 0 {
			saved += diff
		}
	}
	if saved < overflow {
		return nil
	}

	for i := range agg.Sources {
		agg.Sources[i].Content = summaries[i]
	}
	return &Action{
		Strategy:    config.OverflowSummarizeContext,
		TokensSaved: saved,
		Detail: map[string]any{
			"sources_summarized": len(agg.Sources),
		},
	}
}

// reduceAgents drops the lowest-confidence successful agents, keeping at
// least the strongest one. Failed results carry no prompt weight and are
// left alone.
func (m *Manager) reduceAgents(agg *model.AggregatedContext, overflow int) *Action {
	successful := agg.SuccessfulAgents()
	if len(successful) < 2 {
		return nil
	}

	byConfidence := make([]model.AgentResult, len(successful))
	copy(byConfidence, successful)
	sort.SliceStable(byConfidence, func(i, j int) bool {
		return byConfidence[i].Confidence < byConfidence[j].Confidence
	})

	drop := make(map[string]struct{})
	saved := 0
	for _, r := range byConfidence {
		if len(successful)-len(drop) == 1 || saved >= overflow {
			break
		}
		drop[r.AgentID] = struct{}{}
		saved += m.counter.Count(r.Summary) + 24
	}
	if saved < overflow {
		return nil
	}

	kept := agg.AgentResults[:0]
	var droppedIDs []string
	for _, r := range agg.AgentResults {
		if _, gone := drop[r.AgentID]; gone && r.Succeeded() {
			droppedIDs = append(droppedIDs, r.AgentID)
			continue
		}
		kept = append(kept, r)
	}
	agg.AgentResults = kept

	return &Action{
		Strategy:    config.OverflowReduceAgents,
		TokensSaved: saved,
		Detail: map[string]any{
			"agents_dropped": droppedIDs,
		},
	}
}

// chunkedResponse never shrinks the context; it marks the run multi-part
// so the synthesis driver splits it. Always applicable.
func (m *Manager) chunkedResponse(promptTokens, available int) *Action {
	parts := (promptTokens + available - 1) / available
	if parts < 2 {
		parts = 2
	}
	return &Action{
		Strategy: config.OverflowChunkedResponse,
		Parts:    parts,
		Detail: map[string]any{
			"parts": parts,
		},
	}
}
