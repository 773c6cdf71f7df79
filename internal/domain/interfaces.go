package domain

import (
	"context"
)

// Stream is a chunk-producing provider response.
// Recv returns io.EOF once the upstream sequence is exhausted. Close must be
// called when the consumer is done, including when it stops early.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Adapter is the uniform interface through which any generative-AI backend
// is invoked. Each supported provider ships one; adapters normalize their raw
// responses into CallResult and Chunk.
type Adapter interface {
	Name() string

	// Generate handles text completion requests.
	Generate(ctx context.Context, req *Request) (*CallResult, error)

	// GenerateStream returns a stream of completion chunks.
	GenerateStream(ctx context.Context, req *Request) (Stream, error)

	// Chat handles chat requests.
	Chat(ctx context.Context, req *Request) (*CallResult, error)

	// ChatStream returns a stream of chat deltas.
	ChatStream(ctx context.Context, req *Request) (Stream, error)
}
