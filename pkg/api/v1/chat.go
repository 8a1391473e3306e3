package v1

import "encoding/json"

// ChatCompletionRequest is the OpenAI-style request body accepted by the
// chat completion endpoints. Message content is kept raw so multimodal
// payloads pass through untouched.
type ChatCompletionRequest struct {
	Model            string    `json:"model"`
	Stream           bool      `json:"stream"`
	Messages         []Message `json:"messages"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float32  `json:"temperature,omitempty"`
	TopP             *float32  `json:"top_p,omitempty"`
	FrequencyPenalty *float32  `json:"frequency_penalty,omitempty"`
}

// Message is one chat turn. Content is either a string or an array of
// content parts; the coordinator never inspects it.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// CompletionChunk is the JSON payload of one SSE data line.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice within a completion chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental content of a chunk. An empty-content
// frame primes the assistant role; the terminal frame is empty entirely.
type ChunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ModelInfo describes one model as reported by a worker.
type ModelInfo struct {
	Model         string `json:"model"`
	Type          string `json:"type"`
	BackendEngine string `json:"backend_engine"`
}

// ModelsResponse is the JSON envelope for GET /v1/models/:namespace.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// CatalogEntry is one model in the public catalog.
type CatalogEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// CatalogResponse is the JSON envelope for GET /v2/models.
type CatalogResponse struct {
	Object string         `json:"object"`
	Data   []CatalogEntry `json:"data"`
}

// ErrorResponse is the JSON body for requests rejected before streaming starts.
type ErrorResponse struct {
	Error string `json:"error"`
}
