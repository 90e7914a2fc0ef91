package polly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/hearth/pkg/provider/tts"
)

type fakePollyClient struct {
	mu    sync.Mutex
	out   []byte
	err   error
	input *pollysdk.SynthesizeSpeechInput
}

func (f *fakePollyClient) SynthesizeSpeech(_ context.Context, params *pollysdk.SynthesizeSpeechInput, _ ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &pollysdk.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.out))}, nil
}

func (f *fakePollyClient) lastInput() *pollysdk.SynthesizeSpeechInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.msg }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{name: "defaults"},
		{name: "8k standard", opts: []Option{WithSampleRate(8000), WithEngine("standard")}},
		{name: "bad rate", opts: []Option{WithSampleRate(22050)}, wantErr: true},
		{name: "bad engine", opts: []Option{WithEngine("generative-x")}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.opts...)
			if (err != nil) != tc.wantErr {
				t.Fatalf("want error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSynthesize_PCMRequest(t *testing.T) {
	t.Parallel()

	client := &fakePollyClient{out: make([]byte, 5000)}
	p, err := New(withClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm, err := tts.Synthesize(context.Background(), p, "Hello there.", tts.VoiceProfile{ID: "Joanna"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 5000 {
		t.Errorf("want 5000 bytes, got %d", len(pcm))
	}

	in := client.lastInput()
	if in.OutputFormat != pollytypes.OutputFormatPcm {
		t.Errorf("want PCM output, got %s", in.OutputFormat)
	}
	if in.SampleRate == nil || *in.SampleRate != "16000" {
		t.Errorf("want sample rate 16000, got %v", in.SampleRate)
	}
	if in.Engine != pollytypes.EngineNeural {
		t.Errorf("want neural engine, got %s", in.Engine)
	}
	if in.Text == nil || *in.Text != "Hello there." {
		t.Errorf("want text %q, got %v", "Hello there.", in.Text)
	}
	if in.VoiceId != pollytypes.VoiceId("Joanna") {
		t.Errorf("want voice Joanna, got %s", in.VoiceId)
	}
}

func TestSynthesize_ErrorClosesStream(t *testing.T) {
	t.Parallel()

	client := &fakePollyClient{err: fakeAPIError{code: "ServiceFailureException", msg: "down"}}
	p, _ := New(withClient(client))

	_, err := tts.Synthesize(context.Background(), p, "Hello.", tts.VoiceProfile{ID: "Joanna"})
	if !errors.Is(err, tts.ErrNoAudio) {
		t.Fatalf("want ErrNoAudio, got %v", err)
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()

	p, _ := New(withClient(&fakePollyClient{}))
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestNormalizeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		throttled bool
		wantIs    error
	}{
		{name: "throttle", err: fakeAPIError{code: "TooManyRequestsException"}, throttled: true},
		{name: "throttle alt", err: fakeAPIError{code: "ThrottlingException"}, throttled: true},
		{name: "client error", err: fakeAPIError{code: "TextLengthExceededException"}},
		{name: "cancelled", err: context.Canceled, wantIs: context.Canceled},
		{name: "transport", err: errors.New("dial tcp: refused")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := normalizeError(tc.err)
			if errors.Is(got, ErrThrottled) != tc.throttled {
				t.Errorf("want throttled=%v, got %v", tc.throttled, got)
			}
			if tc.wantIs != nil && !errors.Is(got, tc.wantIs) {
				t.Errorf("want errors.Is(%v), got %v", tc.wantIs, got)
			}
		})
	}
}
