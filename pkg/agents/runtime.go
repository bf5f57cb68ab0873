package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
)

// ProgressPublisher is the slice of the progress bus the runtime needs.
type ProgressPublisher interface {
	Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent
}

// Runtime executes a selection of agents with bounded parallelism inside
// one run's cancellation scope. Failures are isolated: every dispatched
// agent yields a well-formed result and never aborts its siblings.
type Runtime struct {
	registry *Registry
	cfg      config.AgentsConfig
	bus      ProgressPublisher
}

func NewRuntime(registry *Registry, cfg config.AgentsConfig, bus ProgressPublisher) *Runtime {
	return &Runtime{registry: registry, cfg: cfg, bus: bus}
}

// Dispatch runs the selected agents and returns their results in the
// selection order, regardless of completion order.
func (r *Runtime) Dispatch(ctx context.Context, ids []string, input Input) []model.AgentResult {
	results := make([]model.AgentResult, len(ids))
	var mu sync.Mutex

	eg := &errgroup.Group{}
	eg.SetLimit(r.cfg.MaxParallel)

	for i, id := range ids {
		eg.Go(func() error {
			result := r.runAgent(ctx, id, input)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (r *Runtime) runAgent(ctx context.Context, id string, input Input) model.AgentResult {
	started := time.Now()
	sessionID := input.Query.SessionID

	r.bus.Publish(sessionID, model.StageAgents, model.EventStarted, model.KindAgentStarted, map[string]any{
		"agent_id": id,
	})

	result := r.execute(ctx, id, input)
	result.AgentID = id
	result.Latency = time.Since(started)

	observability.AgentDispatches.WithLabelValues(id, string(result.Status)).Inc()
	status := model.EventDone
	if !result.Succeeded() {
		status = model.EventError
	}
	payload := map[string]any{
		"agent_id":   id,
		"status":     string(result.Status),
		"latency_ms": result.Latency.Milliseconds(),
	}
	if result.Reason != "" {
		payload["reason"] = result.Reason
	}
	r.bus.Publish(sessionID, model.StageAgents, status, model.KindAgentDone, payload)

	return result
}

func (r *Runtime) execute(ctx context.Context, id string, input Input) model.AgentResult {
	tracer := observability.GetTracer("lotse.agents")
	ctx, span := tracer.Start(ctx, observability.SpanAgentCall,
		trace.WithAttributes(attribute.String(observability.AttrAgentID, id)),
	)
	defer span.End()

	deadline := r.agentDeadline(id)
	agentCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	handle, err := r.registry.Acquire(agentCtx, id)
	if err != nil {
		return classifyFailure(ctx, agentCtx, err)
	}
	defer handle.Release()

	result, err := handle.Agent.Execute(agentCtx, input)
	if err != nil {
		slog.Debug("agent execution failed", "agent_id", id, "error", err)
		return classifyFailure(ctx, agentCtx, err)
	}

	if result.Status == "" {
		result.Status = model.AgentOK
	}
	if err := validateResult(result); err != nil {
		return model.AgentResult{
			Status: model.AgentFailed,
			Reason: fmt.Sprintf("invalid agent output: %v", err),
		}
	}
	return result
}

// agentDeadline is the smaller of the default timeout and the agent's own
// hint. The surrounding run context may cut it shorter still.
func (r *Runtime) agentDeadline(id string) time.Duration {
	deadline := r.cfg.DefaultTimeout
	if agent, ok := r.registry.Get(id); ok {
		if hint := agent.Descriptor().TimeoutHint; hint > 0 && hint < deadline {
			deadline = hint
		}
	}
	return deadline
}

// classifyFailure maps an execution error to a result status: run
// cancellation wins over the per-agent deadline, the per-agent deadline
// over a plain failure.
func classifyFailure(runCtx, agentCtx context.Context, err error) model.AgentResult {
	switch {
	case runCtx.Err() != nil:
		return model.AgentResult{Status: model.AgentCancelled, Reason: "run cancelled"}
	case agentCtx.Err() != nil && errors.Is(agentCtx.Err(), context.DeadlineExceeded):
		return model.AgentResult{Status: model.AgentTimeout, Reason: "agent deadline exceeded"}
	default:
		return model.AgentResult{Status: model.AgentFailed, Reason: err.Error()}
	}
}

// validateResult rejects shapes downstream stages cannot consume.
func validateResult(result model.AgentResult) error {
	switch result.Status {
	case model.AgentOK, model.AgentTimeout, model.AgentFailed, model.AgentCancelled:
	default:
		return fmt.Errorf("unknown status %q", result.Status)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", result.Confidence)
	}
	if result.Status == model.AgentOK && result.Summary == "" && len(result.StructuredFields) == 0 && len(result.Sources) == 0 {
		return fmt.Errorf("ok result carries no content")
	}
	return nil
}
