// Package pipeline contains the run controller: a linear state machine
// driving classification, retrieval, fusion, agent dispatch, budgeting
// and synthesis for one query.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lotse-ki/lotse/pkg/agents"
	"github.com/lotse-ki/lotse/pkg/budget"
	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/fusion"
	"github.com/lotse-ki/lotse/pkg/intent"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
	"github.com/lotse-ki/lotse/pkg/progress"
	"github.com/lotse-ki/lotse/pkg/stores"
	"github.com/lotse-ki/lotse/pkg/synthesis"
)

// State names the controller's position in the run.
type State string

const (
	StateInit        State = "init"
	StateClassifying State = "classifying"
	StateRetrieving  State = "retrieving"
	StateFusing      State = "fusing"
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching_agents"
	StateBudgeting   State = "budgeting"
	StateSynthesis   State = "synthesizing"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Controller owns one run at a time per call; it carries no run state
// between calls. Configuration is an immutable snapshot.
type Controller struct {
	cfg        config.Config
	classifier *intent.Classifier
	gateway    *stores.Gateway
	fuser      *fusion.Fuser
	reranker   fusion.Reranker
	selector   *agents.Selector
	runtime    *agents.Runtime
	budget     *budget.Manager
	builder    *synthesis.Builder
	driver     *synthesis.Driver
	bus        *progress.Bus
}

type Deps struct {
	Classifier *intent.Classifier
	Gateway    *stores.Gateway
	Fuser      *fusion.Fuser
	Reranker   fusion.Reranker
	Selector   *agents.Selector
	Runtime    *agents.Runtime
	Budget     *budget.Manager
	Builder    *synthesis.Builder
	Driver     *synthesis.Driver
	Bus        *progress.Bus
}

func NewController(cfg config.Config, deps Deps) *Controller {
	if deps.Reranker == nil {
		deps.Reranker = fusion.NoOpReranker{}
	}
	return &Controller{
		cfg:        cfg,
		classifier: deps.Classifier,
		gateway:    deps.Gateway,
		fuser:      deps.Fuser,
		reranker:   deps.Reranker,
		selector:   deps.Selector,
		runtime:    deps.Runtime,
		budget:     deps.Budget,
		builder:    deps.Builder,
		driver:     deps.Driver,
		bus:        deps.Bus,
	}
}

// run is the mutable state of one pipeline execution.
type run struct {
	state    State
	query    model.Query
	agg      model.AggregatedContext
	parts    int
	selected []string
}

// Run executes the pipeline for one query. It returns the response parts
// (one element unless chunked synthesis was applied) or a PipelineError.
func (c *Controller) Run(ctx context.Context, query model.Query) ([]model.SynthesizedResponse, error) {
	if query.SessionID == "" {
		query.SessionID = uuid.NewString()
	}
	if query.Options.Locale != "" && query.Locale == "" {
		query.Locale = query.Options.Locale
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Pipeline.RunDeadline)
	defer cancel()

	tracer := observability.GetTracer("lotse.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String(observability.AttrSessionID, query.SessionID)),
	)
	defer span.End()

	r := &run{state: StateInit, query: query, parts: 1}
	r.agg = model.AggregatedContext{Query: query}

	responses, err := c.execute(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.finishFailed(r, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	c.finishDone(ctx, r, responses)
	return responses, nil
}

func (c *Controller) execute(ctx context.Context, r *run) ([]model.SynthesizedResponse, error) {
	type stageFn struct {
		state State
		stage model.Stage
		fn    func(context.Context, *run) error
	}
	sequence := []stageFn{
		{StateClassifying, model.StageClassifying, c.classify},
		{StateRetrieving, model.StageRetrieving, c.retrieve},
		{StateFusing, model.StageFusing, c.fuse},
		{StateSelecting, model.StageSelecting, c.selectAgents},
		{StateDispatching, model.StageAgents, c.dispatch},
		{StateBudgeting, model.StageBudgeting, c.reconcileBudget},
	}

	for _, s := range sequence {
		if err := c.checkCancelled(ctx, r, s.stage); err != nil {
			return nil, err
		}
		r.state = s.state

		stageCtx, cancel := c.stageContext(ctx, s.stage)
		err := s.fn(stageCtx, r)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	if err := c.checkCancelled(ctx, r, model.StageSynthesis); err != nil {
		return nil, err
	}
	r.state = StateSynthesis
	return c.synthesize(ctx, r)
}

// stageContext derives the stage deadline from the configured stage
// budget; the run deadline still bounds it.
func (c *Controller) stageContext(ctx context.Context, stage model.Stage) (context.Context, context.CancelFunc) {
	if budget, ok := c.cfg.Pipeline.StageBudgets[string(stage)]; ok && budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}

// checkCancelled handles cancellation between stage transitions: a
// bounded grace period for in-flight cleanup, then the run fails.
func (c *Controller) checkCancelled(ctx context.Context, r *run, stage model.Stage) error {
	if ctx.Err() == nil {
		return nil
	}
	time.Sleep(c.cfg.Pipeline.GracePeriod)

	kind := KindCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return newError(kind, stage, "controller", "run cancelled between stages", ctx.Err())
}

func (c *Controller) classify(ctx context.Context, r *run) error {
	// The classifier never fails the run; the worst case is the default
	// intent.
	r.agg.Intent = c.classifier.Classify(ctx, r.query)
	c.bus.Publish(r.query.SessionID, model.StageClassifying, model.EventDone, model.KindIntentDone, map[string]any{
		"domain":     string(r.agg.Intent.Domain),
		"complexity": string(r.agg.Intent.Complexity),
		"confidence": r.agg.Intent.Confidence,
	})
	return nil
}

func (c *Controller) retrieve(ctx context.Context, r *run) error {
	result, err := c.gateway.Retrieve(ctx, r.query, r.agg.Intent)
	if err != nil {
		if cancelErr := c.checkCancelled(ctx, r, model.StageRetrieving); cancelErr != nil {
			return cancelErr
		}
		return newError(KindInternal, model.StageRetrieving, "stores", "retrieval failed", err)
	}

	total := 0
	for _, list := range result.Lists {
		total += len(list)
	}
	r.agg.Degraded = append(r.agg.Degraded, result.Degraded...)

	// A single degraded store is a soft failure; all stores down with
	// nothing retrieved aborts the run before any agent dispatch.
	if total == 0 && len(result.Degraded) == len(c.gateway.Stores()) && len(result.Degraded) > 0 {
		return newError(KindUpstream, model.StageRetrieving, "stores", "all stores failed", nil)
	}

	r.agg.Sources = c.fuser.Fuse(result.Lists)
	return nil
}

func (c *Controller) fuse(ctx context.Context, r *run) error {
	// Fusion itself already ran while the store lists were in hand; this
	// stage applies the optional rerank pass and reports the outcome.
	if c.cfg.Rerank.Enabled && len(r.agg.Sources) > 1 {
		reranked, record, err := c.reranker.Rerank(ctx, r.query.Text, r.agg.Sources)
		if err == nil {
			r.agg.Sources = reranked
			if record != nil {
				c.bus.Publish(r.query.SessionID, model.StageFusing, model.EventProgress, model.KindFusionDone, map[string]any{
					"reranked": true,
					"moved":    record.Moved,
				})
			}
		}
	}

	if max := r.query.Options.MaxSources; max > 0 && len(r.agg.Sources) > max {
		r.agg.Sources = r.agg.Sources[:max]
	}

	c.bus.Publish(r.query.SessionID, model.StageFusing, model.EventDone, model.KindFusionDone, map[string]any{
		"strategy": string(c.cfg.Fusion.Strategy),
		"sources":  len(r.agg.Sources),
	})
	return nil
}

func (c *Controller) selectAgents(ctx context.Context, r *run) error {
	r.selected = c.selector.Select(r.query, r.agg.Intent, r.agg.Sources)
	c.bus.Publish(r.query.SessionID, model.StageSelecting, model.EventDone, model.KindAgentSelected, map[string]any{
		"agents": r.selected,
	})
	// An empty selection is legitimate; synthesis proceeds on retrieval
	// alone.
	return nil
}

func (c *Controller) dispatch(ctx context.Context, r *run) error {
	if len(r.selected) == 0 {
		return nil
	}

	r.agg.AgentResults = c.runtime.Dispatch(ctx, r.selected, agents.Input{
		Query:   r.query,
		Intent:  r.agg.Intent,
		Sources: r.agg.Sources,
	})

	if len(r.agg.SuccessfulAgents()) == 0 {
		r.agg.Degraded = append(r.agg.Degraded, "agents")
		if len(r.agg.Sources) == 0 {
			return newError(KindUpstream, model.StageAgents, "agents",
				"all agents failed and no sources retrieved", nil)
		}
	}
	return nil
}

func (c *Controller) reconcileBudget(ctx context.Context, r *run) error {
	prompt, err := c.builder.Build(&r.agg, r.agg.Sources, 0, 1, 1)
	if err != nil {
		return newError(KindInternal, model.StageBudgeting, "synthesis", "prompt build failed", err)
	}
	counter := c.budget.Counter()
	promptTokens := counter.Count(prompt.System) + counter.Count(prompt.User) + 6

	action, err := c.budget.Reconcile(&r.agg, promptTokens)
	if err != nil {
		return newError(KindBudget, model.StageBudgeting, "budget", "budget exhausted", err)
	}
	if action == nil {
		return nil
	}

	if action.Strategy == config.OverflowChunkedResponse {
		r.parts = action.Parts
	}
	c.bus.Publish(r.query.SessionID, model.StageBudgeting, model.EventProgress, model.KindBudgetAction, map[string]any{
		"strategy":     string(action.Strategy),
		"tokens_saved": action.TokensSaved,
		"detail":       action.Detail,
	})
	return nil
}

func (c *Controller) synthesize(ctx context.Context, r *run) ([]model.SynthesizedResponse, error) {
	responses, err := c.driver.Synthesize(ctx, &r.agg, r.parts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, model.StageSynthesis, "llm", "synthesis cancelled", err)
		}
		return nil, newError(KindUpstream, model.StageSynthesis, "llm", "synthesis failed", err)
	}
	return responses, nil
}

func (c *Controller) finishDone(ctx context.Context, r *run, responses []model.SynthesizedResponse) {
	r.state = StateDone
	status := model.ResponseDone
	if len(responses) > 0 {
		status = responses[len(responses)-1].Status
	}

	payload := map[string]any{
		"status":   string(status),
		"parts":    len(responses),
		"degraded": r.agg.Degraded,
	}
	if status == model.ResponsePartial && errors.Is(ctx.Err(), context.Canceled) {
		payload["kind"] = string(KindCancelled)
	}

	observability.PipelineRuns.WithLabelValues(string(status)).Inc()
	c.bus.Publish(r.query.SessionID, model.StagePipeline, model.EventDone, model.KindPipelineDone, payload)
}

func (c *Controller) finishFailed(r *run, err error) {
	r.state = StateFailed
	kind := KindOf(err)

	slog.Error("pipeline run failed",
		"session_id", r.query.SessionID, "kind", string(kind), "error", err)
	observability.PipelineRuns.WithLabelValues("failed").Inc()
	c.bus.Publish(r.query.SessionID, model.StagePipeline, model.EventError, model.KindPipelineDone, map[string]any{
		"status":     "failed",
		"kind":       string(kind),
		"last_stage": string(r.state),
		"error":      err.Error(),
	})
}
