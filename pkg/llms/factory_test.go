package llms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotse-ki/lotse/pkg/config"
)

type closeCountingProvider struct {
	name     string
	closed   int
	closeErr error
}

func (p *closeCountingProvider) Generate(context.Context, Request) (string, int, error) {
	return "", 0, errors.New("not implemented")
}

func (p *closeCountingProvider) GenerateStreaming(context.Context, Request) (<-chan StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *closeCountingProvider) ModelName() string { return p.name }

func (p *closeCountingProvider) Close() error {
	p.closed++
	return p.closeErr
}

func TestNewProviderSelectsBackend(t *testing.T) {
	cfg := config.LLMConfig{ModelID: "qwen3:8b", Endpoint: "http://localhost:11434"}

	p, err := NewProvider(cfg)
	require.NoError(t, err, "empty provider defaults to ollama")
	assert.Equal(t, "qwen3:8b", p.ModelName())
	require.NoError(t, p.Close())

	cfg.Provider = "openai_compatible"
	p, err = NewProvider(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	cfg.Provider = "bedrock"
	_, err = NewProvider(cfg)
	assert.ErrorContains(t, err, "unknown llm provider")
}

func TestProviderRegistryLookup(t *testing.T) {
	reg := NewProviderRegistry()
	main := &closeCountingProvider{name: "qwen3:8b"}
	rerank := &closeCountingProvider{name: "qwen3:0.6b"}

	require.NoError(t, reg.Register(main.name, main))
	require.NoError(t, reg.Register(rerank.name, rerank))

	got, ok := reg.Get("qwen3:0.6b")
	require.True(t, ok)
	assert.Equal(t, "qwen3:0.6b", got.ModelName())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestProviderRegistryCloseAll(t *testing.T) {
	reg := NewProviderRegistry()
	a := &closeCountingProvider{name: "a", closeErr: errors.New("socket gone")}
	b := &closeCountingProvider{name: "b"}
	require.NoError(t, reg.Register(a.name, a))
	require.NoError(t, reg.Register(b.name, b))

	err := reg.CloseAll()
	assert.ErrorContains(t, err, "socket gone")
	// Every provider closes even when an earlier one fails.
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
}
