// Package openai adapts the OpenAI API to domain.Adapter.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// Name is the provider name recorded on spans and token counters.
const Name = "openai"

// ProviderOption configures the provider.
type ProviderOption func(*goopenai.ClientConfig)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(c *goopenai.ClientConfig) {
		c.BaseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(c *goopenai.ClientConfig) {
		c.HTTPClient = httpClient
	}
}

// Provider implements domain.Adapter on top of go-openai.
type Provider struct {
	client *goopenai.Client
}

var _ domain.Adapter = (*Provider)(nil)

// New creates a new OpenAI provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{client: goopenai.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	resp, err := p.client.CreateCompletion(ctx, toCompletionRequest(req, false))
	if err != nil {
		return nil, err
	}

	res := &domain.CallResult{
		Kind:  domain.ResultCompletion,
		Model: resp.Model,
		Raw:   resp,
	}
	if len(resp.Choices) > 0 {
		res.Text = resp.Choices[0].Text
		res.FinishReason = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		res.Usage = toUsage(*resp.Usage)
	}
	return res, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	stream, err := p.client.CreateCompletionStream(ctx, toCompletionRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &completionStream{stream: stream}, nil
}

func (p *Provider) Chat(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toChatRequest(req, false))
	if err != nil {
		return nil, err
	}

	res := &domain.CallResult{
		Kind:  domain.ResultChat,
		Model: resp.Model,
		Usage: toUsage(resp.Usage),
		Raw:   resp,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		res.Text = choice.Message.Content
		res.Role = choice.Message.Role
		res.FinishReason = string(choice.FinishReason)
	}
	return res, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, toChatRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &chatStream{stream: stream}, nil
}

func toCompletionRequest(req *domain.Request, stream bool) goopenai.CompletionRequest {
	out := goopenai.CompletionRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Metadata:    req.Metadata,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func toChatRequest(req *domain.Request, stream bool) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		}
	}

	out := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func toUsage(u goopenai.Usage) *domain.Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// chatStream turns chat deltas into chunks. The usage-only final chunk
// becomes a chunk with empty text.
type chatStream struct {
	stream *goopenai.ChatCompletionStream
}

func (s *chatStream) Recv() (domain.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Chunk{}, io.EOF
		}
		return domain.Chunk{}, err
	}

	chunk := domain.Chunk{Raw: resp}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		chunk.Text = choice.Delta.Content
		chunk.Role = choice.Delta.Role
		chunk.FinishReason = string(choice.FinishReason)
	}
	if resp.Usage != nil {
		chunk.Usage = toUsage(*resp.Usage)
	}
	return chunk, nil
}

func (s *chatStream) Close() error { return s.stream.Close() }

type completionStream struct {
	stream *goopenai.CompletionStream
}

func (s *completionStream) Recv() (domain.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Chunk{}, io.EOF
		}
		return domain.Chunk{}, err
	}

	chunk := domain.Chunk{Raw: resp}
	if len(resp.Choices) > 0 {
		chunk.Text = resp.Choices[0].Text
		chunk.FinishReason = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		chunk.Usage = toUsage(*resp.Usage)
	}
	return chunk, nil
}

func (s *completionStream) Close() error { return s.stream.Close() }
