package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// fakeAPI serves canned OpenAI responses keyed by path.
func fakeAPI(t *testing.T, handlers map[string]http.HandlerFunc) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New("test-key", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		_, _ = io.WriteString(w, "data: "+e+"\n\n")
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestProvider_Chat(t *testing.T) {
	var got goopenai.ChatCompletionRequest
	p := fakeAPI(t, map[string]http.HandlerFunc{
		"/v1/chat/completions": func(w http.ResponseWriter, r *http.Request) {
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("Authorization = %q", auth)
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{
				"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-4-0613",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there!"}, "finish_reason": "stop"}],
				"usage": {"prompt_tokens": 8, "completion_tokens": 3, "total_tokens": 11}
			}`)
		},
	})

	res, err := p.Chat(context.Background(), &domain.Request{
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: "system", Content: "Be brief."}, {Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Kind != domain.ResultChat || res.Text != "Hi there!" || res.Role != "assistant" || res.FinishReason != "stop" {
		t.Errorf("result = %+v", res)
	}
	if res.Model != "gpt-4-0613" {
		t.Errorf("Model = %q", res.Model)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 8 || res.Usage.CompletionTokens != 3 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if got.Model != "gpt-4" || len(got.Messages) != 2 || got.Messages[1].Content != "Hello" {
		t.Errorf("request = %+v", got)
	}
}

func TestProvider_ChatStream(t *testing.T) {
	var got goopenai.ChatCompletionRequest
	p := fakeAPI(t, map[string]http.HandlerFunc{
		"/v1/chat/completions": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			writeSSE(w,
				`{"id":"1","model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
				`{"id":"1","model":"gpt-4","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
				`{"id":"1","model":"gpt-4","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":"stop"}]}`,
				`{"id":"1","model":"gpt-4","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			)
		},
	})

	stream, err := p.ChatStream(context.Background(), &domain.Request{
		Model:    "gpt-4",
		Messages: []domain.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	defer stream.Close()

	var (
		texts []string
		usage *domain.Usage
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		texts = append(texts, chunk.Text)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if strings.Join(texts, "|") != "Hel|lo| there|" {
		t.Errorf("chunks = %q", texts)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
	if got.StreamOptions == nil || !got.StreamOptions.IncludeUsage || !got.Stream {
		t.Errorf("stream request = %+v", got)
	}
}

func TestProvider_Generate(t *testing.T) {
	p := fakeAPI(t, map[string]http.HandlerFunc{
		"/v1/completions": func(w http.ResponseWriter, r *http.Request) {
			var req goopenai.CompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Prompt != "Say hi" {
				t.Errorf("prompt = %v", req.Prompt)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{
				"id": "cmpl-1", "object": "text_completion", "model": "gpt-3.5-turbo-instruct",
				"choices": [{"text": "hi", "index": 0, "finish_reason": "stop"}]
			}`)
		},
	})

	res, err := p.Generate(context.Background(), &domain.Request{Model: "gpt-3.5-turbo-instruct", Prompt: "Say hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Kind != domain.ResultCompletion || res.Text != "hi" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage != nil {
		t.Errorf("Usage = %+v, want nil when not reported", res.Usage)
	}
}

func TestProvider_GenerateStream(t *testing.T) {
	p := fakeAPI(t, map[string]http.HandlerFunc{
		"/v1/completions": func(w http.ResponseWriter, r *http.Request) {
			writeSSE(w,
				`{"id":"1","model":"gpt-3.5-turbo-instruct","choices":[{"text":"one ","index":0}]}`,
				`{"id":"1","model":"gpt-3.5-turbo-instruct","choices":[{"text":"two","index":0,"finish_reason":"stop"}]}`,
			)
		},
	})

	stream, err := p.GenerateStream(context.Background(), &domain.Request{Model: "gpt-3.5-turbo-instruct", Prompt: "count"})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		b.WriteString(chunk.Text)
	}
	if b.String() != "one two" {
		t.Errorf("text = %q", b.String())
	}
}

func TestProvider_APIError(t *testing.T) {
	p := fakeAPI(t, map[string]http.HandlerFunc{
		"/v1/chat/completions": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
		},
	})

	_, err := p.Chat(context.Background(), &domain.Request{Model: "gpt-4", Messages: []domain.Message{{Role: "user", Content: "x"}}})
	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.HTTPStatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.HTTPStatusCode)
	}
}
