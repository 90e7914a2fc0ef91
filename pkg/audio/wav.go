package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [DecodeWAV] for input that is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

const wavPCM = 1

// DecodeWAV returns the sample data of a 16-bit PCM WAV file and its format.
// Chunks other than "fmt " and "data" are skipped. A data chunk whose size
// runs past the end of b, as written by streaming encoders, is cut to what is
// present.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	le := binary.LittleEndian
	for rest := b[12:]; len(rest) >= 8; {
		id, size := string(rest[:4]), int(le.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			size = len(body)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: wav fmt chunk of %d bytes", size)
			}
			if tag, bits := le.Uint16(body[0:2]), le.Uint16(body[14:16]); tag != wavPCM || bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: wav encoding %d with %d bits is not 16-bit PCM", tag, bits)
			}
			f = Format{Channels: int(le.Uint16(body[2:4])), SampleRate: int(le.Uint32(body[4:8]))}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			return body[:size], f, nil
		}

		// Chunks are padded to even sizes.
		next := 8 + size + size%2
		if next > len(rest) {
			break
		}
		rest = rest[next:]
	}
	return nil, Format{}, errors.New("audio: wav has no data chunk")
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	le := binary.LittleEndian
	blockAlign := f.Channels * 2
	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], wavPCM)
	le.PutUint16(out[22:], uint16(f.Channels))
	le.PutUint32(out[24:], uint32(f.SampleRate))
	le.PutUint32(out[28:], uint32(f.SampleRate*blockAlign))
	le.PutUint16(out[32:], uint16(blockAlign))
	le.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}
