package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/observability"
)

type OllamaProvider struct {
	config     config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(cfg config.LLMConfig) (*OllamaProvider, error) {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OllamaProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(2),
		),
		baseURL: baseURL,
	}, nil
}

func (p *OllamaProvider) ModelName() string { return p.config.ModelID }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Generate(ctx context.Context, req Request) (string, int, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("lotse.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.config.ModelID),
			attribute.String("provider", "ollama"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	response, err := p.makeRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, err
	}

	if response.Error != "" {
		apiErr := fmt.Errorf("ollama API error: %s", response.Error)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error)
		return "", 0, apiErr
	}

	tokensUsed := response.PromptEvalCount + response.EvalCount
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.PromptEvalCount),
		attribute.Int(observability.AttrLLMTokensOutput, response.EvalCount),
		attribute.Int64("llm.duration_ms", time.Since(startTime).Milliseconds()),
	)
	span.SetStatus(codes.Ok, "success")

	return response.Message.Content, tokensUsed, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, p.buildRequest(req, true), outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()

	return outputCh, nil
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) ollamaRequest {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	out := ollamaRequest{
		Model:    p.config.ModelID,
		Messages: messages,
		Stream:   stream,
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}
	if temperature > 0 || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.Options = &ollamaOptions{
			Temperature: temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}

	if req.ForceJSON {
		out.Format = "json"
	}

	return out
}

func (p *OllamaProvider) makeRequest(ctx context.Context, request ollamaRequest) (*ollamaResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request ollamaRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make streaming request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var errorJSON struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &errorJSON) == nil && errorJSON.Error != "" {
			return fmt.Errorf("ollama API error: %s", errorJSON.Error)
		}
		return fmt.Errorf("ollama API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			select {
			case outputCh <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if chunk.Done {
			outputCh <- StreamChunk{
				Type:   ChunkDone,
				Tokens: chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}

	return nil
}
