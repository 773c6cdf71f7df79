package tokens

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// CommitFunc observes every usage delta applied to a Tracker.
type CommitFunc func(delta domain.TokenUsage)

// Tracker keeps cumulative token usage per provider. All updates are
// serialized; concurrent updates from many goroutines never lose counts.
type Tracker struct {
	mu        sync.Mutex
	usage     map[string]*domain.TokenUsage
	sessions  map[string]*StreamSession
	listeners []CommitFunc
	logger    *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		usage:    make(map[string]*domain.TokenUsage),
		sessions: make(map[string]*StreamSession),
		logger:   logger,
	}
}

// OnCommit registers a listener called after each committed delta.
// Listeners run outside the tracker lock.
func (t *Tracker) OnCommit(fn CommitFunc) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Update adds prompt and completion counts to provider's totals.
func (t *Tracker) Update(provider string, prompt, completion int) {
	t.UpdateUsage(domain.NewTokenUsage(provider, "", prompt, completion))
}

// UpdateUsage adds a usage delta to its provider's totals.
func (t *Tracker) UpdateUsage(delta domain.TokenUsage) {
	delta = domain.NewTokenUsage(delta.Provider, delta.Model, delta.PromptTokens, delta.CompletionTokens)

	t.mu.Lock()
	cur, ok := t.usage[delta.Provider]
	if !ok {
		cur = &domain.TokenUsage{Provider: delta.Provider}
		t.usage[delta.Provider] = cur
	}
	cur.Add(delta.PromptTokens, delta.CompletionTokens)
	if delta.Model != "" {
		cur.Model = delta.Model
	}
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, fn := range listeners {
		t.notify(fn, delta)
	}
}

func (t *Tracker) notify(fn CommitFunc, delta domain.TokenUsage) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("token commit listener panicked",
				slog.String("provider", delta.Provider),
				slog.Any("panic", r))
		}
	}()
	fn(delta)
}

// Usage returns the cumulative usage for a provider.
func (t *Tracker) Usage(provider string) domain.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.usage[provider]; ok {
		return *u
	}
	return domain.TokenUsage{Provider: provider}
}

// Snapshot returns a copy of all cumulative usage keyed by provider.
func (t *Tracker) Snapshot() map[string]domain.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]domain.TokenUsage, len(t.usage))
	for k, v := range t.usage {
		out[k] = *v
	}
	return out
}

// Reset clears cumulative totals. Open sessions are unaffected.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.usage)
	t.mu.Unlock()
}

// StreamContext opens a session that accumulates usage for one stream and
// commits it to the tracker exactly once, when closed. An empty sessionID
// gets a generated one.
func (t *Tracker) StreamContext(provider, sessionID string) *StreamSession {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &StreamSession{
		id:      sessionID,
		tracker: t,
		usage:   domain.TokenUsage{Provider: provider},
	}
	t.mu.Lock()
	t.sessions[sessionID] = s
	t.mu.Unlock()
	return s
}

// WithStream runs fn with a fresh session and commits it afterwards, even
// if fn panics.
func (t *Tracker) WithStream(provider, sessionID string, fn func(*StreamSession) error) error {
	s := t.StreamContext(provider, sessionID)
	defer s.Close()
	return fn(s)
}

// ActiveSessions returns the ids of sessions not yet committed.
func (t *Tracker) ActiveSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.sessions))
}

// StreamSession is a mutable usage accumulator for one stream.
type StreamSession struct {
	id      string
	tracker *Tracker

	mu     sync.Mutex
	usage  domain.TokenUsage
	closed bool
	once   sync.Once
}

// ID returns the session id.
func (s *StreamSession) ID() string { return s.id }

// SetModel records the model reported by the stream.
func (s *StreamSession) SetModel(model string) {
	s.mu.Lock()
	if !s.closed {
		s.usage.Model = model
	}
	s.mu.Unlock()
}

// AddPrompt adds n prompt tokens. Ignored after Close.
func (s *StreamSession) AddPrompt(n int) {
	s.mu.Lock()
	if !s.closed {
		s.usage.Add(n, 0)
	}
	s.mu.Unlock()
}

// AddCompletion adds n completion tokens. Ignored after Close.
func (s *StreamSession) AddCompletion(n int) {
	s.mu.Lock()
	if !s.closed {
		s.usage.Add(0, n)
	}
	s.mu.Unlock()
}

// SetCompletion replaces the completion count, used when the full text is
// recounted at the end of a stream.
func (s *StreamSession) SetCompletion(n int) {
	s.mu.Lock()
	if !s.closed {
		s.usage.CompletionTokens = max(n, 0)
		s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
	}
	s.mu.Unlock()
}

// Usage returns the session's current totals.
func (s *StreamSession) Usage() domain.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Closed reports whether the session has been committed.
func (s *StreamSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close commits the accumulated usage. Only the first call has an effect.
func (s *StreamSession) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		final := s.usage
		s.mu.Unlock()

		t := s.tracker
		t.mu.Lock()
		delete(t.sessions, s.id)
		t.mu.Unlock()

		t.UpdateUsage(final)
	})
}
