// Package discord adapts the Discord gateway to the engine's source
// contract: MessageCreate and MessageUpdate events for monitored
// guilds/channels become source.Message and source.Edit values.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/metrics"
	"relaybot/internal/source"
	logx "relaybot/pkg/logx"
)

// Config selects what the adapter listens to. Empty GuildIDs or
// Channels means no filtering at that level; the engine still ignores
// channels it has no route for.
type Config struct {
	Token    string
	GuildIDs []string
	Channels []string
}

// Adapter bridges one gateway session to a source.Handler. Run owns the
// session lifecycle; handlers fire on discordgo's goroutines.
type Adapter struct {
	cfg     Config
	handler source.Handler
	log     logx.Logger

	ctx     context.Context
	session *discordgo.Session

	mu       sync.RWMutex
	guilds   map[string]bool
	channels map[string]bool

	creates *metrics.Counter
	edits   *metrics.Counter
	skipped *metrics.Counter
}

func New(cfg Config, h source.Handler, log logx.Logger, sink metrics.Sink) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = metrics.NewRegistry()
	}
	return &Adapter{
		cfg:      cfg,
		handler:  h,
		log:      log,
		guilds:   toSet(cfg.GuildIDs),
		channels: toSet(cfg.Channels),
		creates:  sink.Counter("source.creates"),
		edits:    sink.Counter("source.edits"),
		skipped:  sink.Counter("source.skipped"),
	}
}

// ApplyChannels installs a reloaded monitored-channel set.
func (a *Adapter) ApplyChannels(channels []string) {
	a.mu.Lock()
	a.channels = toSet(channels)
	a.mu.Unlock()
}

// Run connects and listens until ctx is cancelled, then closes the
// session. It blocks for the adapter's whole lifetime.
func (a *Adapter) Run(ctx context.Context) error {
	if a.cfg.Token == "" {
		return errors.New("discord: empty token")
	}
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	a.ctx = ctx
	a.session = session
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onMessageUpdate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	a.log.Info("source.connected",
		logx.String("user", session.State.User.Username),
		logx.Int("guild_filter", len(a.cfg.GuildIDs)))

	<-ctx.Done()
	a.log.Info("source.disconnecting")
	return session.Close()
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// Webhook deliveries come back as bot-authored creates; skipping
	// bot authors prevents relay loops.
	if m.Author.Bot {
		return
	}
	if !a.allowed(m.GuildID, m.ChannelID) {
		a.skipped.Inc()
		return
	}

	msg := translateMessage(m.Message)
	msg.GuildName = a.guildName(m.GuildID)

	a.creates.Inc()
	a.log.Debug("source.create",
		logx.String("channel", m.ChannelID),
		logx.String("author", m.Author.ID),
		logx.Int("content_len", len(m.Content)))
	a.handler.HandleCreate(a.ctx, msg)
}

func (a *Adapter) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author != nil && m.Author.Bot {
		return
	}
	if !a.allowed(m.GuildID, m.ChannelID) {
		a.skipped.Inc()
		return
	}
	// Embed unfurls and attachment-only updates arrive with empty
	// content; there is nothing to relay for those.
	if m.Content == "" {
		return
	}

	a.edits.Inc()
	a.log.Debug("source.edit",
		logx.String("channel", m.ChannelID),
		logx.String("message", m.ID))
	a.handler.HandleEdit(a.ctx, source.Edit{
		MessageID:  m.ID,
		NewContent: m.Content,
		EditedAt:   editedAt(m.Message),
	})
}

func (a *Adapter) allowed(guildID, channelID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.guilds) > 0 && !a.guilds[guildID] {
		return false
	}
	if len(a.channels) > 0 && !a.channels[channelID] {
		return false
	}
	return true
}

func (a *Adapter) guildName(id string) string {
	if a.session == nil || id == "" {
		return ""
	}
	if g, err := a.session.State.Guild(id); err == nil {
		return g.Name
	}
	return ""
}

// translateMessage maps the gateway message onto the contract type.
func translateMessage(m *discordgo.Message) source.Message {
	msg := source.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorName: displayName(m),
		Content:    m.Content,
		CreatedAt:  m.Timestamp,
		EditedAt:   editedAt(m),
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
	}
	if m.Member != nil {
		msg.AuthorRoles = m.Member.Roles
	}
	for _, at := range m.Attachments {
		if at == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, source.Attachment{
			URL:         at.URL,
			Filename:    at.Filename,
			ContentType: at.ContentType,
		})
	}
	for _, em := range m.Embeds {
		if em == nil {
			continue
		}
		msg.Embeds = append(msg.Embeds, source.Embed{
			Title:       em.Title,
			Description: em.Description,
			URL:         em.URL,
			Color:       em.Color,
		})
	}
	return msg
}

// displayName prefers the guild nickname, then the global display name,
// then the account username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func editedAt(m *discordgo.Message) time.Time {
	if m.EditedTimestamp != nil {
		return *m.EditedTimestamp
	}
	return time.Time{}
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}
