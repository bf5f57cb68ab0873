package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// GraphStore queries a knowledge-graph service over HTTP. Traversal is
// bounded by the configured depth and, when set, the relation whitelist.
type GraphStore struct {
	endpoint          string
	maxDepth          int
	relationWhitelist []string
	httpClient        *httpclient.Client
}

type graphSearchRequest struct {
	Query     string   `json:"query"`
	Entities  []string `json:"entities,omitempty"`
	Locations []string `json:"locations,omitempty"`
	MaxDepth  int      `json:"max_depth"`
	Relations []string `json:"relations,omitempty"`
	Limit     int      `json:"limit"`
}

type graphSearchResponse struct {
	Results []struct {
		ID       string         `json:"id"`
		Content  string         `json:"content"`
		Distance int            `json:"distance"`
		Metadata map[string]any `json:"metadata"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

func NewGraphStore(cfg config.GraphStoreConfig) (*GraphStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("graph store requires an endpoint")
	}
	return &GraphStore{
		endpoint:          strings.TrimSuffix(cfg.Endpoint, "/"),
		maxDepth:          cfg.MaxDepth,
		relationWhitelist: cfg.RelationWhitelist,
		httpClient:        httpclient.New(httpclient.WithRetryStrategy(httpclient.ConnectionOnlyRetry)),
	}, nil
}

func (s *GraphStore) Origin() model.Origin { return model.OriginGraph }

func (s *GraphStore) Close() error { return nil }

func (s *GraphStore) Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error) {
	request := graphSearchRequest{
		Query:     query.Text,
		Entities:  intent.Entities,
		Locations: intent.Locations,
		MaxDepth:  s.maxDepth,
		Relations: s.relationWhitelist,
		Limit:     limit,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint+"/search", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, newStoreError(model.OriginGraph, "search",
			httpclient.Categorize(err, 0), "graph service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newStoreError(model.OriginGraph, "search",
			httpclient.CategoryUnreachable, "failed to read graph response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStoreError(model.OriginGraph, "search",
			httpclient.Categorize(nil, resp.StatusCode),
			fmt.Sprintf("graph service returned status %d", resp.StatusCode), nil)
	}

	var response graphSearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, newStoreError(model.OriginGraph, "search",
			httpclient.CategoryInternal, "failed to decode graph response", err)
	}
	if response.Error != "" {
		return nil, newStoreError(model.OriginGraph, "search",
			httpclient.CategoryInternal, response.Error, nil)
	}

	sources := make([]model.Source, 0, len(response.Results))
	for _, r := range response.Results {
		distance := r.Distance
		sources = append(sources, model.Source{
			Origin:   model.OriginGraph,
			Key:      r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Scores:   model.Scores{GraphDistance: &distance},
		})
	}
	return sources, nil
}
