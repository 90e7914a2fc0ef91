package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

// Default per-stage timeouts.
const (
	DefaultLLMTimeout = 10 * time.Second
	DefaultTTSTimeout = 10 * time.Second
)

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	// LLM generates replies. Required.
	LLM llm.Provider

	// TTS synthesizes replies. Required.
	TTS tts.Provider

	// Voice is passed to every synthesis call.
	Voice tts.VoiceProfile

	// SystemPrompt is sent with every reply request.
	SystemPrompt string

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int

	// LLMTimeout and TTSTimeout cap each stage. A timeout is a stage
	// failure. Default to 10s.
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	// LLMName and TTSName label provider metrics.
	LLMName string
	TTSName string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Pipeline performs the blocking stage calls of the speculative response
// pipeline. It holds no turn state: the engine decides when a stage runs and
// whether its result still counts. Safe for concurrent use.
type Pipeline struct {
	cfg PipelineConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = DefaultTTSTimeout
	}
	if cfg.LLMName == "" {
		cfg.LLMName = "llm"
	}
	if cfg.TTSName == "" {
		cfg.TTSName = "tts"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{cfg: cfg}
}

// Reply asks the LLM for the reply to the conversation in messages. Errors,
// timeouts and empty replies wrap [ErrStageFailure].
func (p *Pipeline) Reply(ctx context.Context, epoch uint64, messages []llm.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()

	ctx, span := observe.StartStage(ctx, "llm", epoch,
		observe.AttrProvider.String(p.cfg.LLMName),
		attribute.Int("llm.messages", len(messages)),
	)

	start := time.Now()
	resp, err := p.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: p.cfg.SystemPrompt,
		Messages:     messages,
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
	})
	p.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	var text string
	if err == nil && resp != nil {
		text = strings.TrimSpace(resp.Content)
		if resp.Truncated {
			text = llm.CompleteSentences(text)
		}
	}
	if err == nil && text == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		err = stageError(ctx, "llm", err)
		p.fail(ctx, span, p.cfg.LLMName, "llm", err)
		return "", err
	}
	p.cfg.Metrics.RecordProviderRequest(ctx, p.cfg.LLMName, "llm", "ok")
	observe.EndStage(span, nil)
	return text, nil
}

// Synthesize renders text with the TTS provider. Errors, timeouts and empty
// audio wrap [ErrStageFailure].
func (p *Pipeline) Synthesize(ctx context.Context, epoch uint64, text string) (audio.Clip, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TTSTimeout)
	defer cancel()

	ctx, span := observe.StartStage(ctx, "tts", epoch,
		observe.AttrProvider.String(p.cfg.TTSName),
		attribute.Int("tts.chars", len(text)),
	)

	start := time.Now()
	pcm, err := tts.Synthesize(ctx, p.cfg.TTS, text, p.cfg.Voice)
	p.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		err = stageError(ctx, "tts", err)
		p.fail(ctx, span, p.cfg.TTSName, "tts", err)
		return audio.Clip{}, err
	}
	p.cfg.Metrics.RecordProviderRequest(ctx, p.cfg.TTSName, "tts", "ok")
	observe.EndStage(span, nil)

	f := p.cfg.TTS.Format()
	return audio.Clip{
		Data:       pcm,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Tag:        epoch,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, provider, kind string, err error) {
	observe.EndStage(span, err)
	p.cfg.Metrics.RecordProviderRequest(ctx, provider, kind, "error")
	p.cfg.Metrics.RecordProviderError(ctx, provider, kind)
}

// stageError wraps err in ErrStageFailure, naming a timeout explicitly.
func stageError(ctx context.Context, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %w", ErrStageFailure, stage, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStageFailure, stage, err)
}
