package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (b *recordingBus) Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := model.ProgressEvent{
		EventID:   uint64(len(b.events) + 1),
		SessionID: sessionID,
		Stage:     stage,
		Status:    status,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.events = append(b.events, ev)
	return ev
}

func (b *recordingBus) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}

func runtimeConfig() config.AgentsConfig {
	return config.AgentsConfig{
		MaxParallel:    4,
		MaxAgents:      6,
		DefaultTimeout: time.Second,
	}
}

func testInput() Input {
	return Input{Query: model.Query{Text: "Frage", SessionID: "s1"}}
}

func TestDispatchResultsInSelectionOrder(t *testing.T) {
	reg := NewRegistry()
	// The first agent finishes last; order must still follow the selection.
	require.NoError(t, reg.Register(&stubAgent{id: "slow", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		time.Sleep(30 * time.Millisecond)
		return model.AgentResult{Status: model.AgentOK, Confidence: 0.9, Summary: "slow"}, nil
	}}))
	require.NoError(t, reg.Register(&stubAgent{id: "fast"}))

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(context.Background(), []string{"slow", "fast"}, testInput())

	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].AgentID)
	assert.Equal(t, "fast", results[1].AgentID)
	assert.True(t, results[0].Succeeded())
	assert.True(t, results[1].Succeeded())
}

func TestDispatchBoundsParallelism(t *testing.T) {
	cfg := runtimeConfig()
	cfg.MaxParallel = 2

	var active, peak int64
	slow := func(ctx context.Context, _ Input) (model.AgentResult, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return model.AgentResult{Status: model.AgentOK, Confidence: 0.5, Summary: "ok"}, nil
	}

	reg := NewRegistry()
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range ids {
		require.NoError(t, reg.Register(&stubAgent{id: id, execute: slow}))
	}

	rt := NewRuntime(reg, cfg, &recordingBus{})
	results := rt.Dispatch(context.Background(), ids, testInput())

	require.Len(t, results, 5)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "broken", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		return model.AgentResult{}, errors.New("backend exploded")
	}}))
	require.NoError(t, reg.Register(&stubAgent{id: "healthy"}))

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(context.Background(), []string{"broken", "healthy"}, testInput())

	require.Len(t, results, 2)
	assert.Equal(t, model.AgentFailed, results[0].Status)
	assert.Contains(t, results[0].Reason, "backend exploded")
	assert.Equal(t, model.AgentOK, results[1].Status)
}

func TestDispatchAgentTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "sleeper", hint: 20 * time.Millisecond, execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		<-ctx.Done()
		return model.AgentResult{}, ctx.Err()
	}}))

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(context.Background(), []string{"sleeper"}, testInput())

	require.Len(t, results, 1)
	assert.Equal(t, model.AgentTimeout, results[0].Status)
	assert.Greater(t, results[0].Latency, time.Duration(0))
}

func TestDispatchRunCancellation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		<-ctx.Done()
		return model.AgentResult{}, ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(ctx, []string{"a1"}, testInput())

	require.Len(t, results, 1)
	assert.Equal(t, model.AgentCancelled, results[0].Status)
}

func TestDispatchRejectsInvalidOutput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "liar", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		return model.AgentResult{Status: model.AgentOK, Confidence: 3.5, Summary: "sure"}, nil
	}}))
	require.NoError(t, reg.Register(&stubAgent{id: "hollow", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		return model.AgentResult{Status: model.AgentOK, Confidence: 0.5}, nil
	}}))

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(context.Background(), []string{"liar", "hollow"}, testInput())

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.AgentFailed, r.Status)
		assert.Contains(t, r.Reason, "invalid agent output")
	}
}

func TestDispatchFillsDefaultStatus(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		return model.AgentResult{Confidence: 0.5, Summary: "implizit ok"}, nil
	}}))

	rt := NewRuntime(reg, runtimeConfig(), &recordingBus{})
	results := rt.Dispatch(context.Background(), []string{"a1"}, testInput())
	assert.Equal(t, model.AgentOK, results[0].Status)
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1"}))

	bus := &recordingBus{}
	rt := NewRuntime(reg, runtimeConfig(), bus)
	rt.Dispatch(context.Background(), []string{"a1"}, testInput())

	assert.Equal(t, []string{model.KindAgentStarted, model.KindAgentDone}, bus.kinds())
	done := bus.events[len(bus.events)-1]
	assert.Equal(t, model.EventDone, done.Status)
	assert.Equal(t, "a1", done.Payload["agent_id"])
	assert.Equal(t, string(model.AgentOK), done.Payload["status"])
	assert.NotContains(t, done.Payload, "reason")
}

func TestDispatchPublishesFailureReason(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "bad", execute: func(ctx context.Context, _ Input) (model.AgentResult, error) {
		return model.AgentResult{Status: model.AgentOK, Confidence: 7, Summary: "sure"}, nil
	}}))

	bus := &recordingBus{}
	rt := NewRuntime(reg, runtimeConfig(), bus)
	rt.Dispatch(context.Background(), []string{"bad"}, testInput())

	done := bus.events[len(bus.events)-1]
	assert.Equal(t, model.EventError, done.Status)
	assert.Equal(t, string(model.AgentFailed), done.Payload["status"])
	assert.Contains(t, done.Payload["reason"], "invalid agent output")
}
