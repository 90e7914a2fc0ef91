// Package coqui synthesises speech with a self-hosted Coqui server. Both the
// stock TTS server (GET /api/tts) and the XTTS v2 API server
// (POST /tts_to_audio/) are supported.
//
// Coqui renders one utterance per request, so a reply is cut into sentences
// which are rendered concurrently and played back in order:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("de"))
//	pcm, err := tts.Synthesize(ctx, p, reply, voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 22050
	defaultLookahead  = 4

	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"

	chunkSize = 4096
)

// ErrSpeakerRequired is returned by SynthesizeStream in XTTS mode when the
// voice names no reference speaker.
var ErrSpeakerRequired = errors.New("coqui: xtts needs voice.ID as speaker reference")

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with each request. Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds a single sentence request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Default: [APIModeStandard].
func WithAPIMode(m APIMode) Option {
	return func(p *Provider) { p.mode = m }
}

// WithOutputSampleRate sets the mono rate audio is delivered at, whatever the
// model renders. Default: 22050.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// WithLookahead sets how many sentences may be rendering at once. Default: 4.
func WithLookahead(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.lookahead = n
		}
	}
}

// Provider is a Coqui backed [tts.Provider]. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	language   string
	mode       APIMode
	outputRate int
	lookahead  int
	client     *http.Client
}

// New returns a provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("coqui: base URL is required")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   defaultLanguage,
		mode:       APIModeStandard,
		outputRate: defaultOutputRate,
		lookahead:  defaultLookahead,
		client:     &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

type rendered struct {
	pcm []byte
	err error
}

// SynthesizeStream implements [tts.Provider]. Text is cut into sentences as
// it arrives; up to the lookahead of them render in parallel while audio is
// emitted strictly in sentence order. The first failed sentence ends the
// stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if p.mode == APIModeXTTS && voice.ID == "" {
		return nil, ErrSpeakerRequired
	}

	ctx, cancel := context.WithCancel(ctx)
	queue := make(chan chan rendered, p.lookahead)
	out := make(chan []byte, 64)

	go func() {
		defer close(queue)
		for s := range sentences(ctx, text) {
			slot := make(chan rendered, 1)
			select {
			case queue <- slot:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.render(ctx, s, voice)
				slot <- rendered{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		for slot := range queue {
			var r rendered
			select {
			case r = <-slot:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				return
			}
			for chunk := range chunks(r.pcm) {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// render synthesises one sentence and returns it in the output format.
func (p *Provider) render(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	req, err := p.request(ctx, sentence, voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("coqui: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	pcm, src, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.Reshape(pcm, src, p.Format()), nil
}

func (p *Provider) request(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	if p.mode == APIModeXTTS {
		body, err := json.Marshal(struct {
			Text       string `json:"text"`
			SpeakerWav string `json:"speaker_wav"`
			Language   string `json:"language"`
		}{sentence, voice.ID, p.language})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+xttsPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {sentence}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+standardPath+"?"+q.Encode(), nil)
}

// sentences yields the complete sentences found in the text fragments, then
// whatever is left once text is closed.
func sentences(ctx context.Context, text <-chan string) iter.Seq[string] {
	return func(yield func(string) bool) {
		var pending string
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					if s := strings.TrimSpace(pending); s != "" {
						yield(s)
					}
					return
				}
				pending += frag
				for {
					s, rest, found := cutSentence(pending)
					if !found {
						break
					}
					pending = rest
					if s = strings.TrimSpace(s); s != "" && !yield(s) {
						return
					}
				}
			}
		}
	}
}

// cutSentence splits s after the first '.', '!' or '?' that ends s or is
// followed by white space. "3.14" stays in one piece.
func cutSentence(s string) (sentence, rest string, found bool) {
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		if end == len(s) {
			return s, "", true
		}
		if next, _ := utf8.DecodeRuneInString(s[end:]); unicode.IsSpace(next) {
			return s[:end], s[end:], true
		}
	}
	return "", s, false
}

// chunks yields pcm in pieces of at most chunkSize bytes.
func chunks(pcm []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(pcm) > 0 {
			n := min(chunkSize, len(pcm))
			if !yield(pcm[:n]) {
				return
			}
			pcm = pcm[n:]
		}
	}
}
