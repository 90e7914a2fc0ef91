package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const (
	captureBuffer  = 64
	playbackBuffer = 64

	// speakingHold keeps the speaking flag up across short playback gaps.
	speakingHold = 250 * time.Millisecond
)

// Connection adapts a discordgo.VoiceConnection to [audio.Connection].
//
// Capture streams are keyed by the Discord user ID once a speaking update
// named the owner of an SSRC, and by the decimal SSRC until then. Each SSRC
// has its own decoder that conceals short packet loss.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc       *discordgo.VoiceConnection
	guildID  string
	listenTo string
	log      *slog.Logger

	mu      sync.RWMutex
	streams map[string]chan audio.AudioFrame
	owners  map[uint32]string

	playback chan audio.AudioFrame

	cbMu     sync.Mutex
	onChange func(audio.Event)

	dropped   atomic.Uint64
	concealed atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once

	unsubscribe func()
	leave       func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, listenTo string, log *slog.Logger) *Connection {
	c := &Connection{
		vc:       vc,
		guildID:  guildID,
		listenTo: listenTo,
		log:      log,
		streams:  make(map[string]chan audio.AudioFrame),
		owners:   make(map[uint32]string),
		playback: make(chan audio.AudioFrame, playbackBuffer),
		done:     make(chan struct{}),
		leave:    vc.Disconnect,
	}
	c.unsubscribe = session.AddHandler(c.onVoiceState)
	vc.AddHandler(c.onSpeaking)

	go c.capture()
	go c.play()
	return c
}

// InputStreams returns a snapshot of the capture channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.streams))
	for id, ch := range c.streams {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the playback channel. Frames of any format are
// converted to 48 kHz stereo, cut into 20 ms frames and sent as Opus.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.playback
}

// OnParticipantChange registers the join/leave callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.cbMu.Lock()
	c.onChange = cb
	c.cbMu.Unlock()
}

// Disconnect leaves the voice channel and closes every capture stream.
// Further calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.leave != nil {
			err = c.leave()
		}
		c.mu.Lock()
		for _, ch := range c.streams {
			close(ch)
		}
		clear(c.streams)
		c.mu.Unlock()
		c.log.Info("discord: left voice channel",
			"dropped_frames", c.dropped.Load(),
			"concealed_frames", c.concealed.Load())
	})
	return err
}

// capture decodes received packets into the per-speaker streams.
func (c *Connection) capture() {
	decoders := make(map[uint32]*speakerDecoder)
	for {
		var pkt *discordgo.Packet
		select {
		case <-c.done:
			return
		case p, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			pkt = p
		}
		if pkt == nil {
			continue
		}
		key := c.keyFor(pkt.SSRC)
		if c.listenTo != "" && key != c.listenTo {
			continue
		}

		dec := decoders[pkt.SSRC]
		if dec == nil {
			var err error
			if dec, err = newSpeakerDecoder(); err != nil {
				c.log.Error("discord: failed to create decoder", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			decoders[pkt.SSRC] = dec
		}
		frames, concealed, err := dec.decode(pkt.Sequence, pkt.Opus)
		if err != nil {
			c.log.Debug("discord: dropping undecodable packet", "ssrc", pkt.SSRC, "seq", pkt.Sequence, "err", err)
		}
		if len(frames) == 0 {
			continue
		}
		if concealed > 0 {
			c.concealed.Add(uint64(concealed))
			c.log.Debug("discord: concealed packet loss", "ssrc", pkt.SSRC, "frames", concealed)
		}
		c.deliver(key, pkt.Timestamp, frames)
	}
}

// deliver pushes frames ending at RTP timestamp ts to the stream for key.
// A full stream drops frames instead of blocking the receiver. The read lock
// keeps Disconnect from closing the stream mid-send.
func (c *Connection) deliver(key string, ts uint32, frames [][]byte) {
	ch, created := c.stream(key)
	if created {
		c.emit(audio.Event{Type: audio.EventJoin, UserID: key})
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.done:
		return
	default:
	}
	for i, pcm := range frames {
		at := ts - uint32(len(frames)-1-i)*opusFrameSize
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Timestamp:  time.Duration(at) * time.Second / opusSampleRate,
		}
		select {
		case ch <- frame:
		default:
			c.dropped.Add(1)
		}
	}
}

// keyFor names the stream an SSRC is captured into.
func (c *Connection) keyFor(ssrc uint32) string {
	c.mu.RLock()
	owner, ok := c.owners[ssrc]
	c.mu.RUnlock()
	if ok {
		return owner
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// stream returns the capture channel for key and whether it was just made.
func (c *Connection) stream(key string) (chan audio.AudioFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.streams[key]; ok {
		return ch, false
	}
	ch := make(chan audio.AudioFrame, captureBuffer)
	c.streams[key] = ch
	return ch, true
}

// play encodes playback frames and raises the speaking flag while audio
// flows.
func (c *Connection) play() {
	enc, err := newOpusEncoder()
	if err != nil {
		c.log.Error("discord: failed to create encoder", "err", err)
		return
	}
	conv := audio.Converter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}

	var (
		pending  []byte
		speaking bool
	)
	hold := time.NewTimer(speakingHold)
	hold.Stop()
	defer hold.Stop()
	setSpeaking := func(on bool) {
		if speaking == on {
			return
		}
		speaking = on
		if err := c.vc.Speaking(on); err != nil {
			c.log.Debug("discord: speaking flag not updated", "speaking", on, "err", err)
		}
	}
	defer setSpeaking(false)

	for {
		select {
		case <-c.done:
			return
		case <-hold.C:
			setSpeaking(false)
			pending = pending[:0]
		case frame := <-c.playback:
			setSpeaking(true)
			hold.Reset(speakingHold)

			pending = append(pending, conv.Convert(frame).Data...)
			for len(pending) >= opusFrameBytes {
				packet, err := enc.encode(pending[:opusFrameBytes])
				pending = pending[opusFrameBytes:]
				if err != nil {
					c.log.Debug("discord: skipping unencodable frame", "err", err)
					continue
				}
				select {
				case c.vc.OpusSend <- packet:
				case <-c.done:
					return
				}
			}
		}
	}
}

// onSpeaking records the owner of an SSRC and moves a stream captured
// before the owner was known to the owner's key.
func (c *Connection) onSpeaking(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	ssrc := uint32(vs.SSRC)
	anon := strconv.FormatUint(uint64(ssrc), 10)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[ssrc] = vs.UserID
	ch, ok := c.streams[anon]
	if !ok {
		return
	}
	if _, taken := c.streams[vs.UserID]; !taken {
		c.streams[vs.UserID] = ch
		delete(c.streams, anon)
	}
}

// onVoiceState turns voice state changes in our channel into join and leave
// events.
func (c *Connection) onVoiceState(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	ev := audio.Event{UserID: vsu.UserID}
	if vsu.Member != nil && vsu.Member.User != nil {
		ev.Username = vsu.Member.User.Username
	}
	here := c.vc.ChannelID
	before := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == here
	after := vsu.ChannelID == here
	switch {
	case before == after:
		return
	case after:
		ev.Type = audio.EventJoin
	default:
		ev.Type = audio.EventLeave
	}
	c.emit(ev)
}

func (c *Connection) emit(ev audio.Event) {
	c.cbMu.Lock()
	cb := c.onChange
	c.cbMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// stats reports dropped and concealed frame counts.
func (c *Connection) stats() (dropped, concealed uint64) {
	return c.dropped.Load(), c.concealed.Load()
}
