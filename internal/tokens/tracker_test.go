package tokens

import (
	"errors"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

func TestTracker_Update(t *testing.T) {
	tr := NewTracker(nil)
	tr.Update("openai", 10, 5)
	tr.Update("openai", 3, 2)
	tr.Update("watsonx", 1, 1)

	got := tr.Usage("openai")
	if got.PromptTokens != 13 || got.CompletionTokens != 7 || got.TotalTokens != 20 {
		t.Errorf("Usage(openai) = %+v", got)
	}
	if got := tr.Usage("missing"); got.TotalTokens != 0 || got.Provider != "missing" {
		t.Errorf("Usage(missing) = %+v", got)
	}
	if snap := tr.Snapshot(); len(snap) != 2 {
		t.Errorf("Snapshot() has %d providers, want 2", len(snap))
	}
}

func TestTracker_NegativeClamped(t *testing.T) {
	tr := NewTracker(nil)
	tr.Update("openai", -4, 3)

	got := tr.Usage("openai")
	if got.PromptTokens != 0 || got.CompletionTokens != 3 || got.TotalTokens != 3 {
		t.Errorf("Usage() = %+v, want prompt 0 completion 3", got)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tr.Update("openai", 2, 1)
			}
		}()
	}
	wg.Wait()

	got := tr.Usage("openai")
	if got.PromptTokens != 10000 || got.CompletionTokens != 5000 || got.TotalTokens != 15000 {
		t.Errorf("Usage() = %+v", got)
	}
}

// Cumulative totals equal the sums of all committed updates, and the total
// is always prompt plus completion.
func TestTracker_TotalsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := NewTracker(nil)
		providers := []string{"openai", "watsonx", "ollama"}
		want := map[string][2]int{}

		n := rapid.IntRange(0, 40).Draw(rt, "updates")
		for i := range n {
			p := rapid.SampledFrom(providers).Draw(rt, "provider")
			prompt := rapid.IntRange(-5, 500).Draw(rt, "prompt")
			completion := rapid.IntRange(-5, 500).Draw(rt, "completion")

			if i%2 == 0 {
				tr.Update(p, prompt, completion)
			} else {
				s := tr.StreamContext(p, "")
				s.AddPrompt(prompt)
				s.AddCompletion(completion)
				s.Close()
				s.Close()
			}

			w := want[p]
			w[0] += max(prompt, 0)
			w[1] += max(completion, 0)
			want[p] = w
		}

		for p, w := range want {
			got := tr.Usage(p)
			if got.PromptTokens != w[0] || got.CompletionTokens != w[1] {
				rt.Fatalf("Usage(%s) = %+v, want prompt %d completion %d", p, got, w[0], w[1])
			}
			if got.TotalTokens != got.PromptTokens+got.CompletionTokens {
				rt.Fatalf("Usage(%s) total %d != %d + %d", p, got.TotalTokens, got.PromptTokens, got.CompletionTokens)
			}
		}
		if len(tr.ActiveSessions()) != 0 {
			rt.Fatalf("ActiveSessions() = %v, want none", tr.ActiveSessions())
		}
	})
}

func TestStreamSession_CommitOnce(t *testing.T) {
	tr := NewTracker(nil)
	var commits int
	tr.OnCommit(func(domain.TokenUsage) { commits++ })

	s := tr.StreamContext("openai", "s1")
	if got := tr.ActiveSessions(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("ActiveSessions() = %v, want [s1]", got)
	}
	s.SetModel("gpt-4")
	s.AddPrompt(7)
	s.AddCompletion(1)
	s.AddCompletion(1)
	s.SetCompletion(5)

	if u := s.Usage(); u.CompletionTokens != 5 || u.TotalTokens != 12 {
		t.Errorf("session Usage() = %+v", u)
	}
	if tr.Usage("openai").TotalTokens != 0 {
		t.Error("usage committed before Close")
	}

	s.Close()
	s.Close()
	s.AddCompletion(100)

	if commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}
	got := tr.Usage("openai")
	if got.TotalTokens != 12 || got.Model != "gpt-4" {
		t.Errorf("Usage() = %+v", got)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	if len(tr.ActiveSessions()) != 0 {
		t.Errorf("ActiveSessions() = %v after Close", tr.ActiveSessions())
	}
}

func TestWithStream(t *testing.T) {
	t.Run("error still commits", func(t *testing.T) {
		tr := NewTracker(nil)
		boom := errors.New("boom")
		err := tr.WithStream("openai", "", func(s *StreamSession) error {
			s.AddPrompt(3)
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("WithStream() error = %v, want %v", err, boom)
		}
		if got := tr.Usage("openai").PromptTokens; got != 3 {
			t.Errorf("PromptTokens = %d, want 3", got)
		}
	})

	t.Run("panic still commits", func(t *testing.T) {
		tr := NewTracker(nil)
		func() {
			defer func() { _ = recover() }()
			_ = tr.WithStream("openai", "", func(s *StreamSession) error {
				s.AddCompletion(4)
				panic("consumer blew up")
			})
		}()
		if got := tr.Usage("openai").CompletionTokens; got != 4 {
			t.Errorf("CompletionTokens = %d, want 4", got)
		}
	})
}

func TestOnCommit_PanicIsolated(t *testing.T) {
	tr := NewTracker(nil)
	var seen domain.TokenUsage
	tr.OnCommit(func(domain.TokenUsage) { panic("listener") })
	tr.OnCommit(func(u domain.TokenUsage) { seen = u })

	tr.UpdateUsage(domain.TokenUsage{Provider: "openai", Model: "gpt-4", PromptTokens: 2, CompletionTokens: 3})

	if seen.TotalTokens != 5 || seen.Model != "gpt-4" {
		t.Errorf("listener saw %+v", seen)
	}
	if tr.Usage("openai").TotalTokens != 5 {
		t.Errorf("Usage() = %+v", tr.Usage("openai"))
	}
}
