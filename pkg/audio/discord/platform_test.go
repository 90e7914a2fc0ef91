package discord

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// silenceOpus is a valid Opus packet encoding silence.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// newTestConnection builds a Connection around fake Opus channels without a
// Discord gateway.
func newTestConnection(t *testing.T, listenTo string) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:       vc,
		guildID:  "guild-test",
		listenTo: listenTo,
		log:      slog.Default(),
		streams:  make(map[string]chan audio.AudioFrame),
		owners:   make(map[uint32]string),
		playback: make(chan audio.AudioFrame, playbackBuffer),
		done:     make(chan struct{}),
		leave:    func() error { return nil },
	}
	go c.capture()
	go c.play()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitStreams(t *testing.T, c *Connection, n int) map[string]<-chan audio.AudioFrame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		streams := c.InputStreams()
		if len(streams) >= n {
			return streams
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d input streams, got %d", n, len(streams))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_AppliesOptions(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	log := slog.New(slog.DiscardHandler)
	p := New(s, "guild-1", WithListener("user-9"), WithLogger(log))
	if p.session != s || p.guildID != "guild-1" {
		t.Error("want session and guild stored")
	}
	if p.listenTo != "user-9" {
		t.Errorf("want listener user-9, got %q", p.listenTo)
	}
	if p.log != log {
		t.Error("want logger stored")
	}
	if New(s, "guild-1").log == nil {
		t.Error("want a default logger")
	}
}

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			if err := c.Disconnect(); err != nil {
				t.Errorf("Disconnect: %v", err)
			}
		})
	}
	wg.Wait()
}

func TestConnection_RecvDemuxesBySSRC(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}

	streams := waitStreams(t, c, 2)
	for _, key := range []string{"100", "200"} {
		ch, ok := streams[key]
		if !ok {
			t.Fatalf("missing stream %s", key)
		}
		select {
		case f := <-ch:
			if f.SampleRate != opusSampleRate || f.Channels != opusChannels {
				t.Errorf("stream %s: want 48000Hz stereo, got %dHz %dch", key, f.SampleRate, f.Channels)
			}
		case <-time.After(time.Second):
			t.Fatalf("stream %s: no frame", key)
		}
	}
}

func TestConnection_ListenerFiltersOtherSpeakers(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "user-1")
	c.onSpeaking(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-1", SSRC: 100})
	c.onSpeaking(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-2", SSRC: 200})

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}

	waitStreams(t, c, 1)
	time.Sleep(20 * time.Millisecond)
	streams := c.InputStreams()
	if len(streams) != 1 {
		t.Fatalf("want only the listener's stream, got %d", len(streams))
	}
	if _, ok := streams["user-1"]; !ok {
		t.Errorf("want stream keyed by user-1, got %v", streams)
	}
}

func TestConnection_SpeakingUpdateRekeysStream(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 300, Opus: silenceOpus}
	waitStreams(t, c, 1)

	c.onSpeaking(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-3", SSRC: 300})

	streams := c.InputStreams()
	if _, ok := streams["user-3"]; !ok {
		t.Errorf("want stream re-keyed to user-3, got %v", streams)
	}
	if _, ok := streams["300"]; ok {
		t.Error("want SSRC key removed after re-key")
	}
}

func TestConnection_SendEncodes(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	c.OutputStream() <- audio.AudioFrame{
		Data:       make([]byte, opusFrameBytes),
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
	}

	select {
	case packet := <-c.vc.OpusSend:
		if len(packet) == 0 {
			t.Error("want non-empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet")
	}
}

func TestConnection_ConcealsLostPackets(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 400, Sequence: 1, Timestamp: 960, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 400, Sequence: 3, Timestamp: 2880, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 400, Sequence: 2, Timestamp: 1920, Opus: silenceOpus}

	ch := waitStreams(t, c, 1)["400"]
	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	for i, ts := range want {
		select {
		case f := <-ch:
			if f.Timestamp != ts {
				t.Errorf("frame %d: want timestamp %v, got %v", i, ts, f.Timestamp)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d: timed out", i)
		}
	}
	select {
	case f := <-ch:
		t.Errorf("want the late packet dropped, got frame at %v", f.Timestamp)
	case <-time.After(50 * time.Millisecond):
	}
	if _, concealed := c.stats(); concealed != 1 {
		t.Errorf("want 1 concealed frame, got %d", concealed)
	}
}

func TestConnection_DropsWhenStreamFull(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	frames := make([][]byte, captureBuffer+3)
	c.deliver("user-5", uint32(len(frames))*opusFrameSize, frames)

	if dropped, _ := c.stats(); dropped != 3 {
		t.Errorf("want 3 dropped frames, got %d", dropped)
	}
	if got := len(c.InputStreams()["user-5"]); got != captureBuffer {
		t.Errorf("want a full stream of %d, got %d", captureBuffer, got)
	}
}

func TestConnection_DeliverAfterDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	c.deliver("user-6", opusFrameSize, [][]byte{make([]byte, opusFrameBytes)})
}

func TestConnection_VoiceStateEvents(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, "")
	c.vc.ChannelID = "voice-1"
	events := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { events <- ev })

	member := &discordgo.Member{User: &discordgo.User{Username: "ada"}}
	update := func(guild, before, after string) *discordgo.VoiceStateUpdate {
		vsu := &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
			GuildID: guild, UserID: "user-7", ChannelID: after, Member: member,
		}}
		if before != "" {
			vsu.BeforeUpdate = &discordgo.VoiceState{ChannelID: before}
		}
		return vsu
	}
	c.onVoiceState(nil, update("guild-other", "", "voice-1"))
	c.onVoiceState(nil, update("guild-test", "voice-2", "voice-2"))
	c.onVoiceState(nil, update("guild-test", "", "voice-1"))
	c.onVoiceState(nil, update("guild-test", "voice-1", ""))

	for _, want := range []audio.EventType{audio.EventJoin, audio.EventLeave} {
		select {
		case ev := <-events:
			if ev.Type != want || ev.UserID != "user-7" || ev.Username != "ada" {
				t.Errorf("want %v for user-7 (ada), got %+v", want, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
	select {
	case ev := <-events:
		t.Errorf("want no further events, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
