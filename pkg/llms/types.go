// Package llms provides the completion backend abstraction and its two
// implementations: the native Ollama chat API and OpenAI-compatible
// endpoints (vLLM, llama.cpp server and friends).
package llms

import "context"

// Request is one completion call. Prompt and System are plain text; the
// prompt templating happens upstream in the synthesis driver.
type Request struct {
	System      string
	Prompt      string
	Stop        []string
	MaxTokens   int
	Temperature float64

	// ForceJSON asks the backend for a JSON-only response. Used by the
	// intent classifier, the reranker and the LLM specialists, never by
	// synthesis.
	ForceJSON bool
}

// StreamChunk is one fragment of a streaming completion.
type StreamChunk struct {
	Type   string // "text", "done" or "error"
	Text   string
	Tokens int
	Err    error
}

const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// Provider is a completion backend. Closing the stream's context early is a
// valid cancellation; providers must stop reading and release the
// connection.
type Provider interface {
	// Generate runs a blocking completion and returns the full text plus
	// the total token count reported by the backend (0 when unknown).
	Generate(ctx context.Context, req Request) (string, int, error)

	// GenerateStreaming starts a streaming completion. The channel is
	// closed after a terminal "done" or "error" chunk.
	GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}
