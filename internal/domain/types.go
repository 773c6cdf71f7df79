package domain

import "time"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// RequestType identifies the shape of a provider call.
type RequestType string

const (
	RequestTypeCompletion RequestType = "completion"
	RequestTypeChat       RequestType = "chat"
)

// Request is the provider-agnostic input handed to an Adapter.
// Prompt is used by text generation, Messages by chat. Context carries
// retrieved documents for RAG calls and is what rag_context policies inspect.
type Request struct {
	Model       string            `json:"model"`
	Prompt      string            `json:"prompt,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Context     []string          `json:"context,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LastUserMessage returns the content of the most recent user message.
func (r *Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Usage is token usage as reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResultKind tags a CallResult.
type ResultKind string

const (
	ResultCompletion ResultKind = "completion"
	ResultChat       ResultKind = "chat"
)

// CallResult is the normalized response of a non-streaming provider call.
// Adapters translate their raw SDK responses into this shape so accounting
// and policy logic never branch on provider specifics.
type CallResult struct {
	Kind         ResultKind `json:"kind"`
	Model        string     `json:"model,omitempty"`
	Text         string     `json:"text"`
	Role         string     `json:"role,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	// Usage is nil when the provider did not report token counts.
	Usage *Usage `json:"usage,omitempty"`
	Raw   any    `json:"-"`
}

// Chunk is one element of a streaming response.
type Chunk struct {
	Text         string `json:"text"`
	Role         string `json:"role,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Raw          any    `json:"-"`
}

// Transaction is a logical unit of work that nests spans beneath it.
type Transaction struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
}

// Transaction statuses.
const (
	TransactionActive    = "active"
	TransactionCompleted = "completed"
)

// Clone returns a copy with an independent metadata map.
func (t Transaction) Clone() Transaction {
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}
