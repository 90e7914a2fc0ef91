// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider accepts a channel of text fragments and returns a channel of raw
// 16-bit little-endian PCM in the format reported by Format. The turn engine
// synthesises one reply per turn with [Synthesize]; streaming callers may feed
// fragments as they become available.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/hearth/pkg/audio"
)

// ErrNoAudio is returned by [Synthesize] when the provider finished without
// producing any audio.
var ErrNoAudio = errors.New("tts: no audio produced")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// that emits PCM chunks as they are synthesised.
	//
	// The returned channel is closed when all text has been synthesised, when
	// synthesis fails or when ctx is cancelled. The caller must drain it.
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// Format reports the sample rate and channel count of emitted PCM.
	Format() audio.Format
}

// Synthesize renders text in one call and returns the complete PCM. A stream
// that ends early because ctx expired yields ctx.Err(); a stream that ends
// with no audio yields [ErrNoAudio].
func Synthesize(ctx context.Context, p Provider, text string, voice VoiceProfile) ([]byte, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	ch, err := p.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, err
	}
	pcm := audio.Collect(ch)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}
	return pcm, nil
}
