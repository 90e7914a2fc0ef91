package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	llmmock "github.com/MrWong99/hearth/pkg/provider/llm/mock"
	"github.com/MrWong99/hearth/pkg/provider/tts"
	ttsmock "github.com/MrWong99/hearth/pkg/provider/tts/mock"
)

func TestGuardLLM(t *testing.T) {
	t.Parallel()
	inner := &llmmock.Provider{CompleteErr: errTest}
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})
	p := GuardLLM(inner, cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, errTest) {
			t.Fatalf("call %d: want errTest, got %v", i, err)
		}
	}
	if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
	if got := len(inner.Calls()); got != 2 {
		t.Errorf("open breaker must not reach the provider: want 2 calls, got %d", got)
	}
	if _, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err != nil {
		t.Errorf("CountTokens must bypass the breaker, got %v", err)
	}
}

func TestGuardTTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		inner     *ttsmock.Provider
		wantState State
	}{
		{"audio", &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}, StateClosed},
		{"no audio", &ttsmock.Provider{}, StateOpen},
		{"start error", &ttsmock.Provider{SynthesizeErr: errTest}, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
			p := GuardTTS(tc.inner, cb)

			pcm, err := tts.Synthesize(context.Background(), p, "hello", tts.VoiceProfile{})
			if tc.wantState == StateClosed && (err != nil || len(pcm) != 4) {
				t.Fatalf("want 4 bytes, got %d, %v", len(pcm), err)
			}
			if got := cb.State(); got != tc.wantState {
				t.Errorf("want %v, got %v", tc.wantState, got)
			}
		})
	}
}

func TestGuardTTS_OpenRejects(t *testing.T) {
	t.Parallel()
	inner := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}}}
	cb, _ := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	_ = cb.Execute(fail)

	_, err := tts.Synthesize(context.Background(), GuardTTS(inner, cb), "hi", tts.VoiceProfile{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}
	if inner.Calls() != 0 {
		t.Errorf("want no provider calls, got %d", inner.Calls())
	}
	if got := GuardTTS(inner, cb).Format(); got.SampleRate == 0 {
		t.Error("Format must pass through")
	}
}
