package agents

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/model"
)

// stubAgent is a scriptable agent for registry and runtime tests.
type stubAgent struct {
	id      string
	domain  model.Domain
	caps    []string
	maxConc int
	hint    time.Duration
	execute func(ctx context.Context, input Input) (model.AgentResult, error)
}

func (a *stubAgent) Descriptor() model.AgentDescriptor {
	return model.AgentDescriptor{
		AgentID:        a.id,
		Domain:         a.domain,
		Capabilities:   a.caps,
		ConcurrencyCap: a.maxConc,
		TimeoutHint:    a.hint,
	}
}

func (a *stubAgent) Execute(ctx context.Context, input Input) (model.AgentResult, error) {
	if a.execute != nil {
		return a.execute(ctx, input)
	}
	return model.AgentResult{Status: model.AgentOK, Confidence: 0.5, Summary: a.id}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1"}))

	got, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "a1", got.Descriptor().AgentID)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(&stubAgent{}))
}

func TestRegistryReplaceKeepsPosition(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", caps: []string{"x"}}))
	require.NoError(t, reg.Register(&stubAgent{id: "a2", caps: []string{"x"}}))
	require.NoError(t, reg.Register(&stubAgent{id: "a1", caps: []string{"x", "y"}}))

	assert.Equal(t, []string{"a1", "a2"}, reg.ByCapability("x"))
	assert.Equal(t, []string{"a1"}, reg.ByCapability("y"))
}

func TestRegistryByCapabilityOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "b", caps: []string{"legal"}}))
	require.NoError(t, reg.Register(&stubAgent{id: "a", caps: []string{"legal"}}))

	assert.Equal(t, []string{"b", "a"}, reg.ByCapability("legal"))
	assert.Empty(t, reg.ByCapability("unknown"))
}

func TestAcquireHonoursConcurrencyCap(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", maxConc: 2}))

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := reg.Acquire(context.Background(), "a1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			handle.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "cap must bound concurrency")
	assert.Zero(t, atomic.LoadInt64(&active))

	// All slots free again.
	handle, err := reg.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	handle.Release()
}

func TestAcquireSaturatedReturnsErrBusy(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", maxConc: 1}))

	held, err := reg.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, "a1")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAcquireUnknownAgent(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Acquire(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestHandleReleaseIdempotent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1", maxConc: 1}))

	handle, err := reg.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	handle.Release()
	handle.Release() // must not free a second slot

	again, err := reg.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	defer again.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, "a1")
	assert.ErrorIs(t, err, ErrBusy, "double release must not widen the cap")
}

func TestAcquireUncappedAgent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAgent{id: "a1"}))

	for i := 0; i < 5; i++ {
		handle, err := reg.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		defer handle.Release()
	}
}
