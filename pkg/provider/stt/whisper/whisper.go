// Package whisper implements stt.Provider with whisper.cpp through its CGO
// bindings. The model is loaded once by [New] and stays resident; sessions
// create inference contexts from it on demand.
//
// whisper.cpp is a batch engine, so a session segments audio with an energy
// based silence detector and transcribes each segment when it ends, when it
// grows too long, or when the caller calls Finalize.
//
// libwhisper.a and whisper.h must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/hearth/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// defaultRMSThreshold is the int16 RMS level below which audio counts as
	// silence.
	defaultRMSThreshold = 300.0
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the recognition language. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the default PCM sample rate. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilenceThresholdMs sets how much trailing silence closes a segment.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceMs = ms }
}

// WithMaxBufferDurationMs forces a segment out after this much audio.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferMs = ms }
}

// Provider implements stt.Provider on a resident whisper.cpp model.
type Provider struct {
	model       whisperlib.Model
	language    string
	sampleRate  int
	silenceMs   int
	maxBufferMs int
}

// New loads the model at modelPath. Call Close to release it.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:       model,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		silenceMs:   defaultSilenceThresholdMs,
		maxBufferMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a session on the resident model.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	seg := segmenterConfig{
		sampleRate:  cfg.SampleRate,
		channels:    cfg.Channels,
		silenceMs:   p.silenceMs,
		maxBufferMs: p.maxBufferMs,
		rms:         defaultRMSThreshold,
	}
	if seg.sampleRate <= 0 {
		seg.sampleRate = p.sampleRate
	}
	if seg.channels <= 0 {
		seg.channels = 1
	}
	return newSession(seg, func(samples []float32) (string, error) {
		return p.transcribe(lang, samples)
	}), nil
}

// transcribe runs one inference on a fresh context. Contexts are not safe
// for concurrent use; the model is.
func (p *Provider) transcribe(lang string, samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: set language", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
