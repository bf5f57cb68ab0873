// Package wiring assembles the pipeline from configuration. It is the
// only place that knows every component's constructor.
package wiring

import (
	"fmt"
	"log/slog"

	"github.com/lotse-ki/lotse/pkg/agents"
	"github.com/lotse-ki/lotse/pkg/budget"
	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/fusion"
	"github.com/lotse-ki/lotse/pkg/intent"
	"github.com/lotse-ki/lotse/pkg/llms"
	"github.com/lotse-ki/lotse/pkg/pipeline"
	"github.com/lotse-ki/lotse/pkg/progress"
	"github.com/lotse-ki/lotse/pkg/stores"
	"github.com/lotse-ki/lotse/pkg/synthesis"
)

// App is the fully wired pipeline with its lifecycle hooks.
type App struct {
	Controller *pipeline.Controller
	Bus        *progress.Bus
	Registry   *agents.Registry

	providers *llms.ProviderRegistry
	gateway   *stores.Gateway
}

// Build constructs the pipeline from an immutable configuration snapshot.
func Build(cfg *config.Config) (*App, error) {
	bus := progress.NewBus(cfg.Progress)

	providers := llms.NewProviderRegistry()

	provider, err := llms.NewProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if err := providers.Register(cfg.LLM.ModelID, provider); err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	embedder := stores.NewOllamaEmbedder(cfg.Stores.Vector)

	vectorStore, err := stores.NewVectorStore(cfg.Stores.Vector, embedder)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	attached := []stores.Store{vectorStore}
	if cfg.Stores.Graph.Endpoint != "" {
		graphStore, err := stores.NewGraphStore(cfg.Stores.Graph)
		if err != nil {
			return nil, fmt.Errorf("graph store: %w", err)
		}
		attached = append(attached, graphStore)
	} else {
		slog.Info("graph store not configured, retrieval runs without it")
	}
	if cfg.Stores.Relational.DSN != "" {
		relationalStore, err := stores.NewRelationalStore(cfg.Stores.Relational)
		if err != nil {
			return nil, fmt.Errorf("relational store: %w", err)
		}
		attached = append(attached, relationalStore)
	} else {
		slog.Info("relational store not configured, retrieval runs without it")
	}

	gateway := stores.NewGateway(cfg.Retrieval, bus, attached...)

	registry := agents.NewRegistry()
	if err := agents.RegisterBuiltins(registry, cfg.Agents, provider); err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}

	counter, err := budget.NewTokenCounter(cfg.LLM.ModelID)
	if err != nil {
		return nil, fmt.Errorf("token counter: %w", err)
	}

	builder, err := synthesis.NewBuilder()
	if err != nil {
		return nil, fmt.Errorf("prompt builder: %w", err)
	}

	var reranker fusion.Reranker = fusion.NoOpReranker{}
	if cfg.Rerank.Enabled {
		rerankProvider := provider
		if cfg.Rerank.ModelID != "" && cfg.Rerank.ModelID != cfg.LLM.ModelID {
			rerankCfg := cfg.LLM
			rerankCfg.ModelID = cfg.Rerank.ModelID
			rerankProvider, err = llms.NewProvider(rerankCfg)
			if err != nil {
				return nil, fmt.Errorf("rerank provider: %w", err)
			}
			if err := providers.Register(cfg.Rerank.ModelID, rerankProvider); err != nil {
				return nil, fmt.Errorf("rerank provider: %w", err)
			}
		}
		reranker = fusion.NewLLMReranker(rerankProvider, cfg.Rerank)
	}

	controller := pipeline.NewController(*cfg, pipeline.Deps{
		Classifier: intent.NewClassifier(provider, cfg.Intent),
		Gateway:    gateway,
		Fuser:      fusion.NewFuser(cfg.Fusion),
		Reranker:   reranker,
		Selector:   agents.NewSelector(registry, cfg.Agents),
		Runtime:    agents.NewRuntime(registry, cfg.Agents, bus),
		Budget:     budget.NewManager(counter, cfg.Budget, cfg.Overflow),
		Builder:    builder,
		Driver:     synthesis.NewDriver(provider, builder, bus),
		Bus:        bus,
	})

	return &App{
		Controller: controller,
		Bus:        bus,
		Registry:   registry,
		providers:  providers,
		gateway:    gateway,
	}, nil
}

// Close releases the LLM and store connections.
func (a *App) Close() {
	if err := a.gateway.Close(); err != nil {
		slog.Warn("failed to close stores", "error", err)
	}
	if err := a.providers.CloseAll(); err != nil {
		slog.Warn("failed to close llm providers", "error", err)
	}
}
