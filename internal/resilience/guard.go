package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

type guardedLLM struct {
	llm.Provider
	cb *CircuitBreaker
}

// GuardLLM returns an [llm.Provider] whose Complete calls pass through cb.
// CountTokens is local and is not guarded.
func GuardLLM(p llm.Provider, cb *CircuitBreaker) llm.Provider {
	return &guardedLLM{Provider: p, cb: cb}
}

func (g *guardedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := Call(g.cb, func() (*llm.CompletionResponse, error) {
		return g.Provider.Complete(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: llm: %w", err)
	}
	return resp, nil
}

type guardedTTS struct {
	tts.Provider
	cb *CircuitBreaker
}

// GuardTTS returns a [tts.Provider] whose streams pass through cb. A stream
// counts as failed when it cannot be started or ends without audio.
func GuardTTS(p tts.Provider, cb *CircuitBreaker) tts.Provider {
	return &guardedTTS{Provider: p, cb: cb}
}


func (g *guardedTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	done, err := g.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("resilience: tts: %w", err)
	}
	in, err := g.Provider.SynthesizeStream(ctx, text, voice)
	if err != nil {
		done(err)
		return nil, err
	}

	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		n := 0
		for chunk := range in {
			n += len(chunk)
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		switch {
		case ctx.Err() != nil:
			done(ctx.Err())
		case n == 0:
			done(tts.ErrNoAudio)
		default:
			done(nil)
		}
	}()
	return out, nil
}
