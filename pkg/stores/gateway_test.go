package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// fakeStore scripts one backend's behaviour per call.
type fakeStore struct {
	origin model.Origin
	mu     sync.Mutex
	calls  int
	// search is invoked with the 1-based call number.
	search func(call int, ctx context.Context) ([]model.Source, error)
}

func (f *fakeStore) Origin() model.Origin { return f.origin }
func (f *fakeStore) Close() error         { return nil }

func (f *fakeStore) Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.search(call, ctx)
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type nullBus struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (b *nullBus) Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := model.ProgressEvent{SessionID: sessionID, Stage: stage, Status: status, Kind: kind, Payload: payload}
	b.events = append(b.events, ev)
	return ev
}

func (b *nullBus) byKind(kind string) []model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ProgressEvent
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func retrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		PerStoreDeadline:   200 * time.Millisecond,
		MaxResultsPerStore: 3,
	}
}

func staticSources(origin model.Origin, n int) []model.Source {
	out := make([]model.Source, n)
	for i := range out {
		out[i] = model.Source{Origin: origin, Key: string(origin) + "-k", Content: "Inhalt"}
	}
	return out
}

func okStore(origin model.Origin, n int) *fakeStore {
	return &fakeStore{origin: origin, search: func(int, context.Context) ([]model.Source, error) {
		return staticSources(origin, n), nil
	}}
}

func TestRetrieveAllStoresSucceed(t *testing.T) {
	bus := &nullBus{}
	g := NewGateway(retrievalConfig(), bus,
		okStore(model.OriginVector, 2),
		okStore(model.OriginGraph, 1),
	)

	result, err := g.Retrieve(context.Background(), model.Query{Text: "Frage", SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err)
	assert.Empty(t, result.Degraded)
	assert.Len(t, result.Lists[model.OriginVector], 2)
	assert.Len(t, result.Lists[model.OriginGraph], 1)

	// Every source got a fresh id and a 1-based rank.
	for _, src := range result.Lists[model.OriginVector] {
		assert.NotEmpty(t, src.ID)
	}
	assert.Equal(t, 1, result.Lists[model.OriginVector][0].Rank)
	assert.Equal(t, 2, result.Lists[model.OriginVector][1].Rank)

	done := bus.byKind(model.KindRetrievalDone)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].Payload["total_sources"])
}

func TestRetrieveTruncatesToMaxResults(t *testing.T) {
	g := NewGateway(retrievalConfig(), &nullBus{}, okStore(model.OriginVector, 10))

	result, err := g.Retrieve(context.Background(), model.Query{SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err)
	assert.Len(t, result.Lists[model.OriginVector], 3)
}

func TestRetrieveFailedStoreDegradesRun(t *testing.T) {
	failing := &fakeStore{origin: model.OriginGraph, search: func(int, context.Context) ([]model.Source, error) {
		return nil, newStoreError(model.OriginGraph, "search", httpclient.CategoryInternal, "boom", nil)
	}}

	bus := &nullBus{}
	g := NewGateway(retrievalConfig(), bus, okStore(model.OriginVector, 1), failing)

	result, err := g.Retrieve(context.Background(), model.Query{SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err, "a single failing store must not fail retrieval")
	assert.Equal(t, []string{"graph"}, result.Degraded)
	assert.Len(t, result.Lists[model.OriginVector], 1)
	assert.Empty(t, result.Lists[model.OriginGraph])

	errs := bus.byKind(model.KindRetrievalProgress)
	var errorEvents int
	for _, ev := range errs {
		if ev.Status == model.EventError {
			errorEvents++
			assert.Equal(t, "graph", ev.Payload["store"])
			assert.Equal(t, string(httpclient.CategoryInternal), ev.Payload["category"])
		}
	}
	assert.Equal(t, 1, errorEvents)
}

func TestRetrieveRetriesConnectionErrorsOnce(t *testing.T) {
	flaky := &fakeStore{origin: model.OriginVector, search: func(call int, _ context.Context) ([]model.Source, error) {
		if call == 1 {
			return nil, newStoreError(model.OriginVector, "search", httpclient.CategoryUnreachable, "connection refused", nil)
		}
		return staticSources(model.OriginVector, 1), nil
	}}

	g := NewGateway(retrievalConfig(), &nullBus{}, flaky)

	result, err := g.Retrieve(context.Background(), model.Query{SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.callCount())
	assert.Empty(t, result.Degraded)
	assert.Len(t, result.Lists[model.OriginVector], 1)
}

func TestRetrieveDoesNotRetryNonConnectionErrors(t *testing.T) {
	failing := &fakeStore{origin: model.OriginVector, search: func(int, context.Context) ([]model.Source, error) {
		return nil, newStoreError(model.OriginVector, "search", httpclient.CategoryBadRequest, "bad query", nil)
	}}

	g := NewGateway(retrievalConfig(), &nullBus{}, failing)

	result, err := g.Retrieve(context.Background(), model.Query{SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err)
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, []string{"vector"}, result.Degraded)
}

func TestRetrievePerStoreDeadline(t *testing.T) {
	cfg := retrievalConfig()
	cfg.PerStoreDeadline = 30 * time.Millisecond

	slow := &fakeStore{origin: model.OriginGraph, search: func(_ int, ctx context.Context) ([]model.Source, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	bus := &nullBus{}
	g := NewGateway(cfg, bus, okStore(model.OriginVector, 1), slow)

	started := time.Now()
	result, err := g.Retrieve(context.Background(), model.Query{SessionID: "s1"}, model.DefaultIntent())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second, "slow store must not stall the fan-out")
	assert.Equal(t, []string{"graph"}, result.Degraded)

	var sawTimeout bool
	for _, ev := range bus.byKind(model.KindRetrievalProgress) {
		if ev.Status == model.EventError && ev.Payload["category"] == string(httpclient.CategoryTimeout) {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout, "deadline errors must surface as timeout category")
}

func TestRetrieveLeavesCallerContextIntact(t *testing.T) {
	g := NewGateway(retrievalConfig(), &nullBus{},
		okStore(model.OriginVector, 1),
		okStore(model.OriginGraph, 1),
	)

	// A fully successful fan-out must not surface any cancellation from
	// the gateway's own coordination, call after call.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := g.Retrieve(ctx, model.Query{SessionID: "s1"}, model.DefaultIntent())
		require.NoError(t, err)
		assert.Empty(t, result.Degraded)
	}
	assert.NoError(t, ctx.Err())
}

func TestRetrieveParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := &fakeStore{origin: model.OriginVector, search: func(_ int, ctx context.Context) ([]model.Source, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	g := NewGateway(retrievalConfig(), &nullBus{}, blocking)
	_, err := g.Retrieve(ctx, model.Query{SessionID: "s1"}, model.DefaultIntent())
	assert.ErrorIs(t, err, context.Canceled)
}
