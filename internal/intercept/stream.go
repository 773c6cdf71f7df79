package intercept

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/policy"
	"github.com/tjfontaine/observicia-go/internal/tokens"
)

// StreamState is the lifecycle of an intercepted stream.
type StreamState string

const (
	StateNotStarted StreamState = "not_started"
	StateStreaming  StreamState = "streaming"
	StateCompleted  StreamState = "completed"
	StateFailed     StreamState = "failed"
	StateAbandoned  StreamState = "abandoned"
	StateFinalized  StreamState = "finalized"
)

// trackedStream forwards upstream chunks and finalizes exactly once.
//
//	NotStarted -> Streaming -> Completed | Failed | Abandoned -> Finalized
type trackedStream struct {
	i        *Interceptor
	ctx      context.Context
	info     *CallInfo
	hooksRan int
	upstream domain.Stream
	session  *tokens.StreamSession

	mu       sync.Mutex
	state    StreamState
	text     strings.Builder
	chunks   int
	role     string
	finish   string
	reported *domain.Usage
	closed   bool
	// terminal is what Recv returns once the stream is finalized.
	terminal error

	finalizeOnce sync.Once
}

// Recv returns the next upstream chunk. After the last chunk it finalizes
// the call and returns io.EOF, or a *domain.PolicyViolationError when a
// blocking policy rejected the full completion. An upstream error is
// returned unchanged.
func (s *trackedStream) Recv() (domain.Chunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Chunk{}, domain.ErrStreamClosed
	}
	if s.state == StateFinalized {
		err := s.terminal
		s.mu.Unlock()
		return domain.Chunk{}, err
	}
	s.mu.Unlock()

	chunk, err := s.upstream.Recv()
	if errors.Is(err, io.EOF) {
		s.finalize(StateCompleted, nil)
		return domain.Chunk{}, s.terminalErr()
	}
	if err != nil {
		s.finalize(StateFailed, err)
		return domain.Chunk{}, err
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.chunks++
	s.text.WriteString(chunk.Text)
	if chunk.Role != "" {
		s.role = chunk.Role
	}
	if chunk.FinishReason != "" {
		s.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		s.reported = &u
	}
	s.mu.Unlock()
	return chunk, nil
}

// Close finalizes an unfinished stream as abandoned and closes upstream.
func (s *trackedStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.finalize(StateAbandoned, nil)
	return s.upstream.Close()
}

func (s *trackedStream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// State reports the current lifecycle state.
func (s *trackedStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *trackedStream) finalize(end StreamState, cause error) {
	s.finalizeOnce.Do(func() {
		s.mu.Lock()
		s.state = end
		text := s.text.String()
		chunks := s.chunks
		reported := s.reported
		result := &domain.CallResult{
			Kind:         resultKind(s.info.Op),
			Model:        s.info.Request.Model,
			Text:         text,
			Role:         s.role,
			FinishReason: s.finish,
			Usage:        reported,
		}
		s.mu.Unlock()

		i := s.i
		ctx := s.ctx
		span := s.info.Span
		op := s.info.Op
		req := s.info.Request

		// The committed count is always taken over the forwarded text so it
		// matches what the caller saw; provider usage is only recorded.
		s.session.SetCompletion(i.octx.TokenCounter().CountText(req.Model, text))
		usage := s.session.Usage()
		s.session.Close()

		span.SetAttributes(tokenAttributes(usage)...)
		if reported != nil {
			span.SetAttributes(
				attribute.Int("prompt.tokens.reported", reported.PromptTokens),
				attribute.Int("completion.tokens.reported", reported.CompletionTokens),
			)
		}
		span.SetAttributes(
			attribute.Int("stream.total_chunks", chunks),
			attribute.String("stream.state", string(end)),
			attribute.Bool("stream.abandoned", end == StateAbandoned),
		)

		var (
			results []domain.PolicyResult
			perr    error
		)
		if cause == nil || text != "" {
			results, perr = i.octx.PolicyEngine().EnforcePolicies(ctx, span, policy.Input{
				Prompt:     promptText(op, req),
				Completion: text,
				RAGContext: req.Context,
			})
		}

		outcomeErr := cause
		switch {
		case cause != nil:
			failSpan(span, cause)
		case perr != nil:
			span.SetStatus(codes.Error, perr.Error())
			outcomeErr = perr
		default:
			span.SetStatus(codes.Ok, "")
		}

		i.hooks.after(ctx, s.hooksRan, s.info, &CallOutcome{
			Result:   result,
			Usage:    usage,
			Policies: results,
			Err:      outcomeErr,
			Duration: time.Since(s.info.Started),
			State:    end,
		})
		span.End()

		s.mu.Lock()
		s.state = StateFinalized
		switch {
		case cause != nil:
			s.terminal = cause
		case perr != nil:
			s.terminal = perr
		default:
			s.terminal = io.EOF
		}
		s.mu.Unlock()
	})
}

func resultKind(op Op) domain.ResultKind {
	if op.Type == domain.RequestTypeChat {
		return domain.ResultChat
	}
	return domain.ResultCompletion
}

// Chunks ranges over a stream. The stream is closed when the loop ends,
// including when the caller breaks out early. io.EOF ends the sequence;
// any other error is yielded once as the final element.
func Chunks(s domain.Stream) iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(domain.Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Collect drains a stream into a single result.
func Collect(s domain.Stream) (string, error) {
	var b strings.Builder
	for chunk, err := range Chunks(s) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}
