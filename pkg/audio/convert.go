package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter reshapes frames into a target [Format]. Only mono and stereo
// layouts are supported. A Converter logs the first mismatch it sees and is
// meant to be owned by a single stream goroutine.
type Converter struct {
	Target Format

	warnOnce    sync.Once
	corruptOnce sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as-is. Frames with a torn int16 sample are dropped and
// reported with empty Data.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("audio: odd PCM byte count, dropping frame", "bytes", len(frame.Data))
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnOnce.Do(func() {
		slog.Debug("audio: converting stream", "from", src.String(), "to", c.Target.String())
	})
	return AudioFrame{
		Data:       Reshape(frame.Data, src, c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Reshape converts interleaved int16 PCM between formats. Down-mixing happens
// before resampling so stereo input is only interpolated once.
func Reshape(pcm []byte, from, to Format) []byte {
	samples := decode16(pcm)
	ch := from.Channels
	if ch == 2 && to.Channels == 1 {
		samples = downmix(samples)
		ch = 1
	}
	samples = resample(samples, ch, from.SampleRate, to.SampleRate)
	if ch == 1 && to.Channels == 2 {
		samples = upmix(samples)
	}
	return encode16(samples)
}

// resample linearly interpolates interleaved samples with ch channels.
func resample(in []int16, ch, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || ch <= 0 {
		return in
	}
	srcFrames := len(in) / ch
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*ch)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range ch {
			a := float64(in[idx*ch+c])
			b := float64(in[next*ch+c])
			out[i*ch+c] = int16(a*(1-frac) + b*frac)
		}
	}
	return out
}

func downmix(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return out
}

func upmix(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

func decode16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func encode16(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
