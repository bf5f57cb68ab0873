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

// OpenAICompatProvider speaks the /v1/chat/completions dialect served by
// vLLM, llama.cpp server, LocalAI and similar local runtimes.
type OpenAICompatProvider struct {
	config     config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
		Delta   openAIMessage `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewOpenAICompatProvider(cfg config.LLMConfig) (*OpenAICompatProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("openai_compatible provider requires an endpoint")
	}

	return &OpenAICompatProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(2),
		),
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/"),
	}, nil
}

func (p *OpenAICompatProvider) ModelName() string { return p.config.ModelID }

func (p *OpenAICompatProvider) Close() error { return nil }

func (p *OpenAICompatProvider) Generate(ctx context.Context, req Request) (string, int, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("lotse.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.config.ModelID),
			attribute.String("provider", "openai_compatible"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	body, err := p.doRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, err
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		apiErr := fmt.Errorf("API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		return "", 0, apiErr
	}
	if len(response.Choices) == 0 {
		return "", 0, fmt.Errorf("API returned no choices")
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
		attribute.Int64("llm.duration_ms", time.Since(startTime).Milliseconds()),
	)
	span.SetStatus(codes.Ok, "success")

	return response.Choices[0].Message.Content, response.Usage.TotalTokens, nil
}

func (p *OpenAICompatProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, p.buildRequest(req, true), outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()

	return outputCh, nil
}

func (p *OpenAICompatProvider) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}

	out := openAIRequest{
		Model:       p.config.ModelID,
		Messages:    messages,
		Stream:      stream,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if req.ForceJSON {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func (p *OpenAICompatProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return req, nil
}

func (p *OpenAICompatProvider) doRequest(ctx context.Context, request openAIRequest) ([]byte, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

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
	return body, nil
}

func (p *OpenAICompatProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make streaming request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	totalTokens := 0

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
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage.TotalTokens > 0 {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) > 0 && streamResp.Choices[0].Delta.Content != "" {
			select {
			case outputCh <- StreamChunk{Type: ChunkText, Text: streamResp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}
