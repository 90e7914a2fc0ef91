// Package discord provides an [audio.Platform] on top of Discord voice
// channels via bwmarrin/discordgo. The companion joins the user's channel,
// decodes their Opus packets to PCM capture frames and encodes playback
// frames back to Opus.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithListener restricts capture to a single Discord user. Packets from
// anybody else in the channel are dropped before decoding.
func WithListener(userID string) Option {
	return func(p *Platform) {
		p.listenTo = userID
	}
}

// WithLogger sets the logger for connections opened by the Platform.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		p.log = l
	}
}

// Platform implements [audio.Platform] using a discordgo session owned by
// the caller.
//
// Platform is safe for concurrent use.
type Platform struct {
	session  *discordgo.Session
	guildID  string
	listenTo string
	log      *slog.Logger
	owned    bool
}

// New creates a Platform for guildID on an already opened session.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{session: session, guildID: guildID, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open logs in with a bot token and returns a Platform that owns the
// resulting session. [Platform.Close] releases it.
func Open(token, guildID string, opts ...Option) (*Platform, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	p := New(s, guildID, opts...)
	p.owned = true
	return p, nil
}

// Close closes the session if it was created by [Open].
func (p *Platform) Close() error {
	if !p.owned {
		return nil
	}
	return p.session.Close()
}

// Connect joins channelID unmuted and undeafened.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID, p.listenTo, p.log.With("channel", channelID)), nil
}
