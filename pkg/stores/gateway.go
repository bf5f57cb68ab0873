package stores

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/observability"
)

// ProgressPublisher is the slice of the progress bus the gateway needs.
type ProgressPublisher interface {
	Publish(sessionID string, stage model.Stage, status model.EventStatus, kind string, payload map[string]any) model.ProgressEvent
}

// Result is the outcome of one retrieval fan-out. A store that failed or
// timed out contributes an empty list and a degraded entry; retrieval as a
// whole only errors when the surrounding context is gone.
type Result struct {
	Lists    map[model.Origin][]model.Source
	Degraded []string
}

// Gateway fans a query out to every configured store in parallel, each
// under its own deadline, and normalizes the results.
type Gateway struct {
	stores []Store
	cfg    config.RetrievalConfig
	bus    ProgressPublisher
}

func NewGateway(cfg config.RetrievalConfig, bus ProgressPublisher, stores ...Store) *Gateway {
	return &Gateway{
		stores: stores,
		cfg:    cfg,
		bus:    bus,
	}
}

// Stores lists the attached backends in registration order.
func (g *Gateway) Stores() []Store { return g.stores }

// Close releases all backend connections.
func (g *Gateway) Close() error {
	var first error
	for _, s := range g.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Retrieve queries all stores concurrently. Each store runs under the
// per-store deadline and gets one retry on connection-class errors. A
// failing store yields an empty list, a structured error event and a
// degraded marker; it never fails the run by itself.
func (g *Gateway) Retrieve(ctx context.Context, query model.Query, intent model.Intent) (*Result, error) {
	result := &Result{
		Lists: make(map[model.Origin][]model.Source, len(g.stores)),
	}
	var mu sync.Mutex

	// Store failures degrade, they never abort, so the group carries no
	// error and the caller's context stays untouched.
	var eg errgroup.Group
	for _, store := range g.stores {
		eg.Go(func() error {
			sources, err := g.searchStore(ctx, store, query, intent)

			mu.Lock()
			defer mu.Unlock()
			result.Lists[store.Origin()] = sources
			if err != nil {
				result.Degraded = append(result.Degraded, string(store.Origin()))
			}
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	total := 0
	for _, list := range result.Lists {
		total += len(list)
	}
	g.bus.Publish(query.SessionID, model.StageRetrieving, model.EventDone, model.KindRetrievalDone, map[string]any{
		"total_sources": total,
		"degraded":      result.Degraded,
	})

	return result, nil
}

func (g *Gateway) searchStore(ctx context.Context, store Store, query model.Query, intent model.Intent) ([]model.Source, error) {
	origin := store.Origin()
	started := time.Now()

	storeCtx, cancel := context.WithTimeout(ctx, g.cfg.PerStoreDeadline)
	defer cancel()

	sources, err := store.Search(storeCtx, query, intent, g.cfg.MaxResultsPerStore)
	if err != nil && errorCategory(err) == httpclient.CategoryUnreachable && storeCtx.Err() == nil {
		slog.Debug("retrying store after connection error", "store", origin, "error", err)
		sources, err = store.Search(storeCtx, query, intent, g.cfg.MaxResultsPerStore)
	}

	if err != nil {
		category := errorCategory(err)
		if storeCtx.Err() != nil && ctx.Err() == nil {
			category = httpclient.CategoryTimeout
		}
		observability.StoreErrors.WithLabelValues(string(origin), string(category)).Inc()
		slog.Warn("store search failed",
			"store", origin, "category", category, "error", err,
			"elapsed", time.Since(started))
		g.bus.Publish(query.SessionID, model.StageRetrieving, model.EventError, model.KindRetrievalProgress, map[string]any{
			"store":    string(origin),
			"category": string(category),
			"message":  err.Error(),
		})
		return nil, err
	}

	if len(sources) > g.cfg.MaxResultsPerStore {
		sources = sources[:g.cfg.MaxResultsPerStore]
	}
	for i := range sources {
		sources[i].ID = uuid.NewString()
		sources[i].Rank = i + 1
	}

	g.bus.Publish(query.SessionID, model.StageRetrieving, model.EventProgress, model.KindRetrievalProgress, map[string]any{
		"store": string(origin),
		"count": len(sources),
	})
	return sources, nil
}

func errorCategory(err error) httpclient.Category {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Category
	}
	return httpclient.Categorize(err, 0)
}
