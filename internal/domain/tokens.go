package domain

// TokenUsage is a provider-scoped token count.
// TotalTokens always equals PromptTokens + CompletionTokens.
type TokenUsage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// NewTokenUsage builds a usage value, clamping negative counts to zero.
func NewTokenUsage(provider, model string, prompt, completion int) TokenUsage {
	u := TokenUsage{Provider: provider, Model: model}
	u.Add(prompt, completion)
	return u
}

// Add accumulates counts. Negative inputs are treated as zero.
func (u *TokenUsage) Add(prompt, completion int) {
	u.PromptTokens += max(prompt, 0)
	u.CompletionTokens += max(completion, 0)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}
