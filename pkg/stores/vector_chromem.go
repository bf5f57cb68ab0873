package stores

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// ChromemStore serves dense similarity search from an embedded chromem-go
// database. Useful for single-node deployments without a Qdrant server.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
}

func NewChromemStore(cfg config.VectorStoreConfig, embedder Embedder) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", cfg.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", cfg.Collection, err)
	}

	return &ChromemStore{
		db:         db,
		collection: collection,
		embedder:   embedder,
	}, nil
}

func (s *ChromemStore) Origin() model.Origin { return model.OriginVector }

func (s *ChromemStore) Close() error { return nil }

func (s *ChromemStore) Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error) {
	// chromem rejects a topK above the document count.
	if count := s.collection.Count(); count == 0 {
		return nil, nil
	} else if limit > count {
		limit = count
	}

	vector, err := s.embedder.Embed(ctx, query.Text)
	if err != nil {
		return nil, newStoreError(model.OriginVector, "embed",
			httpclient.Categorize(err, 0), "query embedding failed", err)
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, newStoreError(model.OriginVector, "search",
			httpclient.CategoryInternal, "chromem query failed", err)
	}

	sources := make([]model.Source, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		similarity := float64(r.Similarity)
		sources = append(sources, model.Source{
			Origin:   model.OriginVector,
			Key:      r.ID,
			Content:  r.Content,
			Metadata: metadata,
			Scores:   model.Scores{Similarity: &similarity},
		})
	}
	return sources, nil
}

// NewVectorStore builds the configured vector backend.
func NewVectorStore(cfg config.VectorStoreConfig, embedder Embedder) (Store, error) {
	switch cfg.Type {
	case "qdrant":
		return NewQdrantStore(cfg, embedder)
	case "chromem":
		return NewChromemStore(cfg, embedder)
	default:
		return nil, fmt.Errorf("unknown vector store type %q", cfg.Type)
	}
}
