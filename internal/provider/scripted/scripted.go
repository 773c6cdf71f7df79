// Package scripted provides an in-memory adapter that replays configured
// responses. It backs tests and the demo command.
package scripted

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// Reply is one scripted response.
type Reply struct {
	// Chunks are streamed in order; blocking calls return their
	// concatenation.
	Chunks []string
	Usage  *domain.Usage
	// Err fails the call. For streams it is returned after Chunks.
	Err error
	// OpenErr fails opening a stream.
	OpenErr error
}

// Text returns a reply streaming text as a single chunk.
func Text(text string) Reply { return Reply{Chunks: []string{text}} }

// Adapter replays replies in order, repeating the last one when exhausted.
type Adapter struct {
	name string

	mu       sync.Mutex
	replies  []Reply
	next     int
	requests []*domain.Request
	closed   int
}

var _ domain.Adapter = (*Adapter)(nil)

// New creates an adapter named name.
func New(name string, replies ...Reply) *Adapter {
	return &Adapter{name: name, replies: replies}
}

func (a *Adapter) Name() string { return a.name }

// Requests returns every request received so far.
func (a *Adapter) Requests() []*domain.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.Request(nil), a.requests...)
}

// ClosedStreams counts streams whose Close was called.
func (a *Adapter) ClosedStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) take(req *domain.Request) Reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if len(a.replies) == 0 {
		return Reply{}
	}
	r := a.replies[min(a.next, len(a.replies)-1)]
	a.next++
	return r
}

func (a *Adapter) call(ctx context.Context, req *domain.Request, kind domain.ResultKind) (*domain.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := a.take(req)
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	if r.Err != nil {
		return nil, r.Err
	}
	res := &domain.CallResult{
		Kind:         kind,
		Model:        req.Model,
		Text:         strings.Join(r.Chunks, ""),
		FinishReason: "stop",
		Usage:        r.Usage,
	}
	if kind == domain.ResultChat {
		res.Role = "assistant"
	}
	return res, nil
}

func (a *Adapter) stream(ctx context.Context, req *domain.Request, role string) (domain.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := a.take(req)
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	return &stream{a: a, reply: r, role: role}, nil
}

func (a *Adapter) Generate(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return a.call(ctx, req, domain.ResultCompletion)
}

func (a *Adapter) GenerateStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return a.stream(ctx, req, "")
}

func (a *Adapter) Chat(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return a.call(ctx, req, domain.ResultChat)
}

func (a *Adapter) ChatStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return a.stream(ctx, req, "assistant")
}

type stream struct {
	a      *Adapter
	reply  Reply
	role   string
	pos    int
	closed bool
}

func (s *stream) Recv() (domain.Chunk, error) {
	if s.closed {
		return domain.Chunk{}, domain.ErrStreamClosed
	}
	if s.pos < len(s.reply.Chunks) {
		c := domain.Chunk{Text: s.reply.Chunks[s.pos]}
		if s.pos == 0 {
			c.Role = s.role
		}
		s.pos++
		if s.pos == len(s.reply.Chunks) && s.reply.Err == nil {
			c.FinishReason = "stop"
			c.Usage = s.reply.Usage
		}
		return c, nil
	}
	if s.reply.Err != nil {
		return domain.Chunk{}, s.reply.Err
	}
	return domain.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	if s.closed {
		return errors.New("scripted stream closed twice")
	}
	s.closed = true
	s.a.mu.Lock()
	s.a.closed++
	s.a.mu.Unlock()
	return nil
}
