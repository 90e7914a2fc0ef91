package session

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	llmmock "github.com/MrWong99/hearth/pkg/provider/llm/mock"
)

func TestHistory_AddAndMessages(t *testing.T) {
	t.Parallel()

	h := NewHistory(1000, nil)
	h.Add(
		llm.Message{Role: llm.RoleUser, Content: "hello there"},
		llm.Message{Role: llm.RoleAssistant, Content: "hi"},
	)

	got := h.Messages()
	if len(got) != 2 {
		t.Fatalf("want 2 messages, got %d", len(got))
	}
	if got[0].Content != "hello there" || got[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected order: %+v", got)
	}

	// Mutating the copy must not affect the history.
	got[0].Content = "changed"
	if h.Messages()[0].Content != "hello there" {
		t.Error("Messages returned a shared slice")
	}
}

func TestHistory_TrimsOldest(t *testing.T) {
	t.Parallel()

	// Each 16-char message costs 4+4 = 8 tokens with the estimate.
	msg := func(s string) llm.Message {
		return llm.Message{Role: llm.RoleUser, Content: s + strings.Repeat(".", 16-len(s))}
	}

	h := NewHistory(20, nil)
	h.Add(msg("one"), msg("two"))
	if h.Tokens() != 16 {
		t.Fatalf("want 16 tokens, got %d", h.Tokens())
	}

	h.Add(msg("three"))
	if h.Len() != 2 {
		t.Fatalf("want 2 messages after trim, got %d", h.Len())
	}
	if h.Tokens() != 16 {
		t.Errorf("want 16 tokens after trim, got %d", h.Tokens())
	}
	if first := h.Messages()[0].Content; !strings.HasPrefix(first, "two") {
		t.Errorf("want oldest kept message to be two, got %q", first)
	}
}

func TestHistory_KeepsNewestEvenIfOversized(t *testing.T) {
	t.Parallel()

	h := NewHistory(5, nil)
	h.Add(llm.Message{Role: llm.RoleUser, Content: strings.Repeat("x", 100)})
	if h.Len() != 1 {
		t.Errorf("want newest message kept, got %d messages", h.Len())
	}
}

func TestHistory_UsesCounter(t *testing.T) {
	t.Parallel()

	counter := &llmmock.Provider{TokenCount: 7}
	h := NewHistory(100, counter)
	h.Add(llm.Message{Role: llm.RoleUser, Content: "hi"})
	if h.Tokens() != 7 {
		t.Errorf("want counter result 7, got %d", h.Tokens())
	}
}

type failingCounter struct{}

func (failingCounter) CountTokens([]llm.Message) (int, error) {
	return 0, errors.New("no tokenizer")
}

func TestHistory_CounterErrorFallsBackToEstimate(t *testing.T) {
	t.Parallel()

	h := NewHistory(100, failingCounter{})
	m := llm.Message{Role: llm.RoleUser, Content: "abcdefgh"}
	h.Add(m)
	if want := llm.EstimateTokens([]llm.Message{m}); h.Tokens() != want {
		t.Errorf("want estimate %d, got %d", want, h.Tokens())
	}
}

func TestHistory_Reset(t *testing.T) {
	t.Parallel()

	h := NewHistory(0, nil)
	h.Add(llm.Message{Role: llm.RoleUser, Content: "x"})
	h.Reset()
	if h.Len() != 0 || h.Tokens() != 0 {
		t.Errorf("want empty history, got %d messages and %d tokens", h.Len(), h.Tokens())
	}
}

func TestHistory_ConcurrentAdd(t *testing.T) {
	t.Parallel()

	h := NewHistory(1_000_000, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Add(llm.Message{Role: llm.RoleUser, Content: "x"})
		}()
	}
	wg.Wait()
	if h.Len() != 20 {
		t.Errorf("want 20 messages, got %d", h.Len())
	}
}
