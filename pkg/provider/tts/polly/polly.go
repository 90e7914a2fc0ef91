// Package polly provides a TTS provider backed by Amazon Polly. Polly is a
// request/response API, so SynthesizeStream gathers all text fragments into one
// SynthesizeSpeech call and streams the returned PCM body in chunks.
//
// Credentials and region resolve through the default AWS configuration chain
// (environment, shared config, instance role) unless WithRegion overrides the
// region.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultRegion     = "us-east-1"
	defaultEngine     = "neural"
	defaultSampleRate = 16000
	pcmChunkSize      = 4096
)

// ErrThrottled marks a synthesis rejected because the account is over its
// request rate.
var ErrThrottled = errors.New("polly: throttled")

// synthClient is the subset of the Polly client used here.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithRegion sets the AWS region. Defaults to us-east-1.
func WithRegion(region string) Option {
	return func(p *Provider) {
		if strings.TrimSpace(region) != "" {
			p.region = region
		}
	}
}

// WithEngine selects "neural" (default) or "standard".
func WithEngine(engine string) Option {
	return func(p *Provider) {
		p.engine = engine
	}
}

// WithSampleRate sets the PCM sample rate. Polly supports 8000 and 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// withClient injects a client, bypassing AWS config resolution.
func withClient(c synthClient) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements tts.Provider using Amazon Polly.
type Provider struct {
	region     string
	engine     string
	sampleRate int

	mu     sync.Mutex
	client synthClient
}

// New creates a Polly provider. The AWS client is created lazily on the first
// synthesis so construction never touches the network.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		region:     defaultRegion,
		engine:     defaultEngine,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate != 8000 && p.sampleRate != 16000 {
		return nil, fmt.Errorf("polly: unsupported PCM sample rate %d (want 8000 or 16000)", p.sampleRate)
	}
	switch strings.ToLower(p.engine) {
	case "neural", "standard":
	default:
		return nil, fmt.Errorf("polly: unknown engine %q", p.engine)
	}
	return p, nil
}

// Format implements tts.Provider. Polly PCM is always mono.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("polly: voice.ID must not be empty")
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)

		input, ok := gather(ctx, text)
		if !ok || input == "" {
			return
		}
		body, err := p.synthesize(ctx, client, input, voice)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("polly: synthesis failed", "voice", voice.ID, "err", err)
			}
			return
		}
		defer body.Close()

		buf := make([]byte, pcmChunkSize)
		for {
			n, readErr := io.ReadFull(body, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()
	return out, nil
}

// gather reads text until it is closed. It reports false if ctx ends first.
func gather(ctx context.Context, text <-chan string) (string, bool) {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return strings.TrimSpace(sb.String()), true
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return "", false
		}
	}
}

func (p *Provider) synthesize(ctx context.Context, client synthClient, text string, voice tts.VoiceProfile) (io.ReadCloser, error) {
	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   aws.String(strconv.Itoa(p.sampleRate)),
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice.ID),
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, errors.New("polly: empty audio stream")
	}
	return output.AudioStream, nil
}

// normalizeError tags throttling so callers can tell an overloaded account
// from a broken request.
func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly: synthesize: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
		default:
			return fmt.Errorf("polly: synthesize: %s: %w", apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("polly: synthesize: %w", err)
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
