// Package config defines the immutable configuration snapshot the pipeline
// controller is constructed with, plus a YAML loader.
package config

import (
	"fmt"
	"time"
)

// FusionStrategy selects how ranked lists from the stores are combined.
type FusionStrategy string

const (
	FusionRRF      FusionStrategy = "rrf"
	FusionWeighted FusionStrategy = "weighted"
	FusionBorda    FusionStrategy = "borda"
)

// RerankMode selects the scoring prompt used by the LLM reranker.
type RerankMode string

const (
	RerankRelevance       RerankMode = "relevance"
	RerankInformativeness RerankMode = "informativeness"
	RerankCombined        RerankMode = "combined"
)

// OverflowStrategy names one token-budget reduction technique.
type OverflowStrategy string

const (
	OverflowRerankAndDrop    OverflowStrategy = "rerank_and_drop"
	OverflowSummarizeContext OverflowStrategy = "summarize_context"
	OverflowReduceAgents     OverflowStrategy = "reduce_agents"
	OverflowChunkedResponse  OverflowStrategy = "chunked_response"
)

// Config is the root configuration. It is loaded once, defaulted,
// validated, and then treated as read-only.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" koanf:"logging"`
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	LLM       LLMConfig       `yaml:"llm" koanf:"llm"`
	Budget    BudgetConfig    `yaml:"budget" koanf:"budget"`
	Fusion    FusionConfig    `yaml:"fusion" koanf:"fusion"`
	Rerank    RerankConfig    `yaml:"rerank" koanf:"rerank"`
	Retrieval RetrievalConfig `yaml:"retrieval" koanf:"retrieval"`
	Stores    StoresConfig    `yaml:"stores" koanf:"stores"`
	Agents    AgentsConfig    `yaml:"agents" koanf:"agents"`
	Intent    IntentConfig    `yaml:"intent" koanf:"intent"`
	Progress  ProgressConfig  `yaml:"progress" koanf:"progress"`
	Overflow  OverflowConfig  `yaml:"overflow" koanf:"overflow"`
	Pipeline  PipelineConfig  `yaml:"pipeline" koanf:"pipeline"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
	File   string `yaml:"file" koanf:"file"`
}

type ServerConfig struct {
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	// Provider type: "ollama" or "openai_compatible".
	Provider string `yaml:"provider" koanf:"provider"`

	// ModelID is the model name passed to the backend.
	ModelID string `yaml:"model_id" koanf:"model_id"`

	// Endpoint is the backend base URL. Supports ${VAR} expansion.
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// APIKey for openai-compatible endpoints. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key" koanf:"api_key"`

	Temperature float64       `yaml:"temperature" koanf:"temperature"`
	Streaming   bool          `yaml:"streaming" koanf:"streaming"`
	Timeout     time.Duration `yaml:"timeout" koanf:"timeout"`
}

// BudgetConfig sizes the token budget for the synthesis prompt.
type BudgetConfig struct {
	ContextWindowTokens    int `yaml:"context_window_tokens" koanf:"context_window_tokens"`
	ReservedSystemTokens   int `yaml:"reserved_system_tokens" koanf:"reserved_system_tokens"`
	ReservedResponseTokens int `yaml:"reserved_response_tokens" koanf:"reserved_response_tokens"`
	SafetyMarginTokens     int `yaml:"safety_margin_tokens" koanf:"safety_margin_tokens"`
}

type FusionConfig struct {
	Strategy FusionStrategy     `yaml:"strategy" koanf:"strategy"`
	KRRF     int                `yaml:"k_rrf" koanf:"k_rrf"`
	Weights  map[string]float64 `yaml:"weights" koanf:"weights"`
}

type RerankConfig struct {
	Enabled bool       `yaml:"enabled" koanf:"enabled"`
	TopN    int        `yaml:"top_n" koanf:"top_n"`
	Mode    RerankMode `yaml:"mode" koanf:"mode"`

	// ModelID selects a dedicated rerank model. Empty shares the
	// synthesis model.
	ModelID string `yaml:"model_id" koanf:"model_id"`
}

type RetrievalConfig struct {
	PerStoreDeadline   time.Duration `yaml:"per_store_deadline" koanf:"per_store_deadline"`
	MaxResultsPerStore int           `yaml:"max_results_per_store" koanf:"max_results_per_store"`
}

// StoresConfig configures the three retrieval backends.
type StoresConfig struct {
	Vector     VectorStoreConfig     `yaml:"vector" koanf:"vector"`
	Graph      GraphStoreConfig      `yaml:"graph" koanf:"graph"`
	Relational RelationalStoreConfig `yaml:"relational" koanf:"relational"`
}

type VectorStoreConfig struct {
	// Type: "qdrant" or "chromem".
	Type       string `yaml:"type" koanf:"type"`
	Host       string `yaml:"host" koanf:"host"`
	Port       int    `yaml:"port" koanf:"port"`
	APIKey     string `yaml:"api_key" koanf:"api_key"`
	EnableTLS  bool   `yaml:"enable_tls" koanf:"enable_tls"`
	Collection string `yaml:"collection" koanf:"collection"`
	// Path for the embedded chromem store.
	Path string `yaml:"path" koanf:"path"`
	// EmbedModel and EmbedEndpoint configure query embedding.
	EmbedModel    string `yaml:"embed_model" koanf:"embed_model"`
	EmbedEndpoint string `yaml:"embed_endpoint" koanf:"embed_endpoint"`
}

type GraphStoreConfig struct {
	Endpoint          string   `yaml:"endpoint" koanf:"endpoint"`
	MaxDepth          int      `yaml:"max_depth" koanf:"max_depth"`
	RelationWhitelist []string `yaml:"relation_whitelist" koanf:"relation_whitelist"`
}

type RelationalStoreConfig struct {
	// Driver: "postgres", "sqlite" or "mysql".
	Driver string `yaml:"driver" koanf:"driver"`
	// DSN is the connection string. Supports ${VAR} expansion.
	DSN string `yaml:"dsn" koanf:"dsn"`
	// Tables maps a logical table name to its ordering key.
	Tables map[string]string `yaml:"tables" koanf:"tables"`
}

type AgentsConfig struct {
	MaxParallel    int                        `yaml:"max_parallel" koanf:"max_parallel"`
	MaxAgents      int                        `yaml:"max_agents" koanf:"max_agents"`
	DefaultTimeout time.Duration              `yaml:"default_timeout" koanf:"default_timeout"`
	AlwaysOn       []string                   `yaml:"always_on" koanf:"always_on"`
	Registry       map[string]AgentConfig     `yaml:"registry" koanf:"registry"`
	Triggers       map[string][]string        `yaml:"triggers" koanf:"triggers"`
}

// AgentConfig is a declarative agent descriptor.
type AgentConfig struct {
	Domain         string        `yaml:"domain" koanf:"domain"`
	Capabilities   []string      `yaml:"capabilities" koanf:"capabilities"`
	ConcurrencyCap int           `yaml:"concurrency_cap" koanf:"concurrency_cap"`
	TimeoutHint    time.Duration `yaml:"timeout_hint" koanf:"timeout_hint"`
}

type IntentConfig struct {
	// LLMThreshold gates the LLM pass: when the rule pass reaches this
	// confidence the LLM is skipped.
	LLMThreshold float64       `yaml:"llm_threshold" koanf:"llm_threshold"`
	LLMTimeout   time.Duration `yaml:"llm_timeout" koanf:"llm_timeout"`
}

type ProgressConfig struct {
	ReplayBufferSize int           `yaml:"replay_buffer_size" koanf:"replay_buffer_size"`
	ReplayTTL        time.Duration `yaml:"replay_ttl" koanf:"replay_ttl"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" koanf:"subscriber_buffer"`
}

type OverflowConfig struct {
	StrategyPriority      []OverflowStrategy `yaml:"strategy_priority" koanf:"strategy_priority"`
	MinViablePromptTokens int                `yaml:"min_viable_prompt_tokens" koanf:"min_viable_prompt_tokens"`
}

type PipelineConfig struct {
	RunDeadline  time.Duration            `yaml:"run_deadline" koanf:"run_deadline"`
	GracePeriod  time.Duration            `yaml:"grace_period" koanf:"grace_period"`
	StageBudgets map[string]time.Duration `yaml:"stage_budgets" koanf:"stage_budgets"`
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.ModelID == "" {
		c.LLM.ModelID = "qwen3:8b"
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = "http://localhost:11434"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.2
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120 * time.Second
	}

	if c.Budget.ContextWindowTokens == 0 {
		c.Budget.ContextWindowTokens = 8192
	}
	if c.Budget.ReservedSystemTokens == 0 {
		c.Budget.ReservedSystemTokens = 512
	}
	if c.Budget.ReservedResponseTokens == 0 {
		c.Budget.ReservedResponseTokens = 1024
	}
	if c.Budget.SafetyMarginTokens == 0 {
		c.Budget.SafetyMarginTokens = 256
	}

	if c.Fusion.Strategy == "" {
		c.Fusion.Strategy = FusionRRF
	}
	if c.Fusion.KRRF == 0 {
		c.Fusion.KRRF = 60
	}
	if len(c.Fusion.Weights) == 0 {
		c.Fusion.Weights = map[string]float64{
			"vector":     0.5,
			"graph":      0.3,
			"relational": 0.2,
		}
	}

	if c.Rerank.TopN == 0 {
		c.Rerank.TopN = 20
	}
	if c.Rerank.Mode == "" {
		c.Rerank.Mode = RerankRelevance
	}

	if c.Retrieval.PerStoreDeadline == 0 {
		c.Retrieval.PerStoreDeadline = 5 * time.Second
	}
	if c.Retrieval.MaxResultsPerStore == 0 {
		c.Retrieval.MaxResultsPerStore = 10
	}

	if c.Stores.Vector.Type == "" {
		c.Stores.Vector.Type = "chromem"
	}
	if c.Stores.Vector.Host == "" {
		c.Stores.Vector.Host = "localhost"
	}
	if c.Stores.Vector.Port == 0 {
		c.Stores.Vector.Port = 6334
	}
	if c.Stores.Vector.Collection == "" {
		c.Stores.Vector.Collection = "verwaltungsrecht"
	}
	if c.Stores.Vector.EmbedModel == "" {
		c.Stores.Vector.EmbedModel = "nomic-embed-text"
	}
	if c.Stores.Vector.EmbedEndpoint == "" {
		c.Stores.Vector.EmbedEndpoint = "http://localhost:11434"
	}
	if c.Stores.Graph.MaxDepth == 0 {
		c.Stores.Graph.MaxDepth = 2
	}
	if c.Stores.Relational.Driver == "" {
		c.Stores.Relational.Driver = "sqlite"
	}

	if c.Agents.MaxParallel == 0 {
		c.Agents.MaxParallel = 6
	}
	if c.Agents.MaxAgents == 0 {
		c.Agents.MaxAgents = 6
	}
	if c.Agents.DefaultTimeout == 0 {
		c.Agents.DefaultTimeout = 30 * time.Second
	}
	if len(c.Agents.AlwaysOn) == 0 {
		c.Agents.AlwaysOn = []string{"retrieval_helper", "temporal_helper", "legal_framework"}
	}

	if c.Intent.LLMThreshold == 0 {
		c.Intent.LLMThreshold = 0.75
	}
	if c.Intent.LLMTimeout == 0 {
		c.Intent.LLMTimeout = 10 * time.Second
	}

	if c.Progress.ReplayBufferSize == 0 {
		c.Progress.ReplayBufferSize = 256
	}
	if c.Progress.ReplayTTL == 0 {
		c.Progress.ReplayTTL = 600 * time.Second
	}
	if c.Progress.SubscriberBuffer == 0 {
		c.Progress.SubscriberBuffer = 64
	}

	if len(c.Overflow.StrategyPriority) == 0 {
		c.Overflow.StrategyPriority = []OverflowStrategy{
			OverflowRerankAndDrop,
			OverflowSummarizeContext,
			OverflowReduceAgents,
			OverflowChunkedResponse,
		}
	}
	if c.Overflow.MinViablePromptTokens == 0 {
		c.Overflow.MinViablePromptTokens = 512
	}

	if c.Pipeline.RunDeadline == 0 {
		c.Pipeline.RunDeadline = 5 * time.Minute
	}
	if c.Pipeline.GracePeriod == 0 {
		c.Pipeline.GracePeriod = 500 * time.Millisecond
	}
}

// Validate checks the configuration for inconsistencies. Call after
// SetDefaults.
func (c *Config) Validate() error {
	switch c.Fusion.Strategy {
	case FusionRRF, FusionWeighted, FusionBorda:
	default:
		return fmt.Errorf("config: unknown fusion strategy %q", c.Fusion.Strategy)
	}

	switch c.Rerank.Mode {
	case RerankRelevance, RerankInformativeness, RerankCombined:
	default:
		return fmt.Errorf("config: unknown rerank mode %q", c.Rerank.Mode)
	}

	for _, s := range c.Overflow.StrategyPriority {
		switch s {
		case OverflowRerankAndDrop, OverflowSummarizeContext, OverflowReduceAgents, OverflowChunkedResponse:
		default:
			return fmt.Errorf("config: unknown overflow strategy %q", s)
		}
	}

	reserved := c.Budget.ReservedSystemTokens + c.Budget.ReservedResponseTokens + c.Budget.SafetyMarginTokens
	if reserved >= c.Budget.ContextWindowTokens {
		return fmt.Errorf("config: reserved tokens (%d) exceed context window (%d)",
			reserved, c.Budget.ContextWindowTokens)
	}
	if c.Overflow.MinViablePromptTokens > c.Budget.ContextWindowTokens-reserved {
		return fmt.Errorf("config: min_viable_prompt_tokens (%d) exceeds the available budget (%d)",
			c.Overflow.MinViablePromptTokens, c.Budget.ContextWindowTokens-reserved)
	}

	switch c.Stores.Vector.Type {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("config: unknown vector store type %q", c.Stores.Vector.Type)
	}

	switch c.Stores.Relational.Driver {
	case "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown relational driver %q", c.Stores.Relational.Driver)
	}

	for id, a := range c.Agents.Registry {
		if a.ConcurrencyCap < 0 {
			return fmt.Errorf("config: agent %q has negative concurrency_cap", id)
		}
	}

	if c.Agents.MaxParallel < 1 {
		return fmt.Errorf("config: agents.max_parallel must be >= 1")
	}

	return nil
}
