package stores

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// QdrantStore serves dense similarity search from a Qdrant collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
}

func NewQdrantStore(cfg config.VectorStoreConfig, embedder Embedder) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.EnableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
	}, nil
}

func (s *QdrantStore) Origin() model.Origin { return model.OriginVector }

func (s *QdrantStore) Close() error { return s.client.Close() }

func (s *QdrantStore) Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error) {
	vector, err := s.embedder.Embed(ctx, query.Text)
	if err != nil {
		return nil, newStoreError(model.OriginVector, "embed",
			httpclient.Categorize(err, 0), "query embedding failed", err)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	pointsClient := s.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, newStoreError(model.OriginVector, "search",
			httpclient.Categorize(err, 0), "qdrant search failed", err)
	}

	return convertQdrantPoints(searchResult.GetResult()), nil
}

func convertQdrantPoints(points []*qdrant.ScoredPoint) []model.Source {
	sources := make([]model.Source, 0, len(points))
	for _, point := range points {
		var key string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				key = idType.Uuid
			case *qdrant.PointId_Num:
				key = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any, len(point.Payload))
		for k, v := range point.Payload {
			metadata[k] = qdrantValue(v)
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}
		delete(metadata, "content")

		similarity := float64(point.Score)
		sources = append(sources, model.Source{
			Origin:   model.OriginVector,
			Key:      key,
			Content:  content,
			Metadata: metadata,
			Scores:   model.Scores{Similarity: &similarity},
		})
	}
	return sources
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}
