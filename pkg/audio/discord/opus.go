package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate / 50 // samples per channel per frame
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// maxConcealedFrames is the longest packet gap that is filled in. Longer
// gaps are a speaker pause or a reconnect, not loss.
const maxConcealedFrames = 5

// speakerDecoder decodes the packets of one SSRC in sequence order. Late and
// duplicate packets are dropped. A short gap is filled with silence and the
// frame right before the current packet is rebuilt from its in-band FEC
// data, so the recognizer keeps an unbroken timeline.
type speakerDecoder struct {
	dec     *gopus.Decoder
	last    uint16
	started bool
}

func newSpeakerDecoder() (*speakerDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decoder: %w", err)
	}
	return &speakerDecoder{dec: dec}, nil
}

// decode returns the PCM frames for packet seq in playback order and how many
// of them were concealed. A nil result without error means the packet was
// stale.
func (d *speakerDecoder) decode(seq uint16, packet []byte) (frames [][]byte, concealed int, err error) {
	if d.started {
		delta := seq - d.last
		if delta == 0 || delta >= 1<<15 {
			return nil, 0, nil
		}
		if lost := int(delta) - 1; lost > 0 && lost <= maxConcealedFrames {
			for range lost - 1 {
				frames = append(frames, make([]byte, opusFrameBytes))
			}
			frames = append(frames, d.recover(packet))
			concealed = lost
		}
	}
	d.last, d.started = seq, true

	samples, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return frames, concealed, fmt.Errorf("discord: opus decode: %w", err)
	}
	return append(frames, pcmBytes(samples)), concealed, nil
}

// recover rebuilds the frame preceding packet from its FEC data, falling
// back to silence.
func (d *speakerDecoder) recover(packet []byte) []byte {
	samples, err := d.dec.Decode(packet, opusFrameSize, true)
	if err != nil {
		return make([]byte, opusFrameBytes)
	}
	return pcmBytes(samples)
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

type opusEncoder struct {
	enc     *gopus.Encoder
	samples []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, samples: make([]int16, opusFrameSize*opusChannels)}, nil
}

// encode compresses exactly one frame of little-endian int16 PCM.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	for i := range e.samples {
		e.samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	packet, err := e.enc.Encode(e.samples, opusFrameSize, opusFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
