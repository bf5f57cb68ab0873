package llms

import (
	"fmt"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/registry"
)

// NewProvider builds the configured completion backend.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaProvider(cfg)
	case "openai_compatible":
		return NewOpenAICompatProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ProviderRegistry keeps named providers when a deployment runs more than
// one model (e.g. a small reranking model next to the synthesis model).
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// CloseAll closes every registered provider and returns the first error.
func (r *ProviderRegistry) CloseAll() error {
	var first error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
