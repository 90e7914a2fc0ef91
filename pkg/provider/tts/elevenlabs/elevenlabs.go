// Package elevenlabs synthesises speech over the ElevenLabs stream-input
// websocket. Text is forwarded as it arrives and raw PCM comes back in
// base64 frames, so playback can start before the whole reply is rendered.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultEndpoint     = "wss://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"
	defaultStability    = 0.5
	defaultSimilarity   = 0.75
)

// ErrVoiceRequired is returned by SynthesizeStream for a voice without ID.
var ErrVoiceRequired = errors.New("elevenlabs: voice.ID is required")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model ID. Default: eleven_flash_v2_5.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the output format. Only "pcm_<rate>" formats are
// accepted since audio is played without decoding. Default: pcm_16000.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithEndpoint overrides the websocket origin, e.g. for a regional host.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithVoiceSettings overrides stability and similarity boost, both in
// (0, 1]. A zero value keeps the default.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		if stability > 0 {
			p.stability = stability
		}
		if similarity > 0 {
			p.similarity = similarity
		}
	}
}

// Provider is an ElevenLabs backed [tts.Provider]. It is safe for concurrent
// use; every stream uses its own connection.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	stability    float64
	similarity   float64
	rate         int
}

// New returns a provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		endpoint:     defaultEndpoint,
		stability:    defaultStability,
		similarity:   defaultSimilarity,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.rate = rate
	return p, nil
}

// Format implements [tts.Provider]. Output is always mono.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.rate, Channels: 1}
}

// textFrame is every message sent to the server. The first one carries the
// key and voice settings, the last one has empty text and flushes.
type textFrame struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioFrame is every message received from the server.
type audioFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream implements [tts.Provider]. The returned channel closes
// after the final frame, on a server error, when the connection drops or
// when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, ErrVoiceRequired
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	// The server rejects an empty first text.
	first := textFrame{
		Text:          " ",
		APIKey:        p.apiKey,
		VoiceSettings: &voiceSettings{Stability: p.stability, SimilarityBoost: p.similarity, Speed: voice.SpeedFactor},
	}
	if err := wsjson.Write(ctx, conn, first); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	out := make(chan []byte, 256)
	received := make(chan struct{})
	go func() {
		defer close(received)
		defer close(out)
		receive(ctx, conn, out)
	}()
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		send(ctx, conn, text, received)
		<-received
	}()
	return out, nil
}

// send forwards text fragments and flushes once text is closed.
func send(ctx context.Context, conn *websocket.Conn, text <-chan string, received <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-received:
			return
		case frag, ok := <-text:
			if !ok {
				_ = wsjson.Write(ctx, conn, textFrame{Text: "", Flush: true})
				return
			}
			if frag == "" {
				continue
			}
			// Words of adjacent fragments would merge without a separator.
			if !strings.HasSuffix(frag, " ") {
				frag += " "
			}
			if err := wsjson.Write(ctx, conn, textFrame{Text: frag}); err != nil {
				return
			}
		}
	}
}

// receive decodes audio frames into out until the final frame.
func receive(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	for {
		var f audioFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		if f.Error != "" {
			return
		}
		if f.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				return
			}
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if f.IsFinal {
			return
		}
	}
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.outputFormat}}
	return p.endpoint + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// pcmRate parses the sample rate of a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	s, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw pcm", format)
	}
	rate, err := strconv.Atoi(s)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return rate, nil
}
