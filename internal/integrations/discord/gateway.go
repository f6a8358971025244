package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const (
	CommandGenerate = "gpt"
	CommandReset    = "gpt-reset"
	OptionPrompt    = "prompt"
	OptionEphemeral = "ephemeral"

	// Intents covers guild and direct messages, including their content.
	Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
)

// Commands returns the guild application commands the bot registers.
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        CommandGenerate,
			Description: "Ask Julian (remembers the last few turns in this channel)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        OptionPrompt,
					Description: "What do you want to ask?",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        OptionEphemeral,
					Description: "Only you can see the reply",
				},
			},
		},
		{
			Name:        CommandReset,
			Description: "Clear your context in this channel",
		},
	}
}

// EventHandler receives the events the bot reacts to. Each call runs on
// its own goroutine.
type EventHandler interface {
	HandleMessage(ctx context.Context, m *discordgo.Message, botID string)
	HandleInteraction(ctx context.Context, i *discordgo.Interaction)
}

// guildAPI is the subset of *discordgo.Session used to set up a guild.
type guildAPI interface {
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	GuildMemberNickname(guildID, userID, nickname string, options ...discordgo.RequestOption) error
}

// Gateway owns the websocket session to Discord.
type Gateway struct {
	session  *discordgo.Session
	nickname string
	logger   *slog.Logger

	mu     sync.Mutex
	appID  string
	botID  string
	guilds map[string]bool // guilds with registered commands
}

// NewGateway prepares a session for the bot token. Nothing connects until
// Open.
func NewGateway(token, nickname string, logger *slog.Logger) (*Gateway, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord: token must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	s.Identify.Intents = Intents
	return &Gateway{
		session:  s,
		nickname: strings.TrimSpace(nickname),
		logger:   logger,
		guilds:   make(map[string]bool),
	}, nil
}

// Session exposes the REST side of the connection for responders.
func (g *Gateway) Session() *discordgo.Session { return g.session }

// Open wires h to the session and connects. Events are handled with ctx,
// so cancelling it stops in-flight work.
func (g *Gateway) Open(ctx context.Context, h EventHandler) error {
	if h == nil {
		return errors.New("discord: event handler must not be nil")
	}

	g.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		g.onReady(ctx, s, r)
	})
	g.session.AddHandler(func(s *discordgo.Session, gc *discordgo.GuildCreate) {
		if gc.Guild == nil || gc.Unavailable {
			return
		}
		g.setupGuild(ctx, s, gc.ID)
	})
	g.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil {
			return
		}
		h.HandleMessage(ctx, m.Message, g.BotID())
	})
	g.session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Interaction == nil {
			return
		}
		h.HandleInteraction(ctx, i.Interaction)
	})

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Close() error {
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return nil
}

// BotID returns the bot's user ID once the session is ready.
func (g *Gateway) BotID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botID
}

func (g *Gateway) onReady(ctx context.Context, api guildAPI, r *discordgo.Ready) {
	g.mu.Lock()
	if r.User != nil {
		g.botID = r.User.ID
	}
	if r.Application != nil {
		g.appID = r.Application.ID
	}
	g.mu.Unlock()

	g.logger.Info("discord session ready", "bot_id", g.BotID(), "guilds", len(r.Guilds))
	for _, guild := range r.Guilds {
		g.setupGuild(ctx, api, guild.ID)
	}
}

// setupGuild registers the commands in a guild once per process and sets
// the bot's nickname there. Failures are logged.
func (g *Gateway) setupGuild(ctx context.Context, api guildAPI, guildID string) {
	g.mu.Lock()
	appID := g.appID
	if appID == "" || g.guilds[guildID] {
		g.mu.Unlock()
		return
	}
	g.guilds[guildID] = true
	g.mu.Unlock()

	log := g.logger.With("guild_id", guildID)
	if _, err := api.ApplicationCommandBulkOverwrite(appID, guildID, Commands(), discordgo.WithContext(ctx)); err != nil {
		g.mu.Lock()
		delete(g.guilds, guildID)
		g.mu.Unlock()
		log.Error("register commands failed", "error", err)
		return
	}
	log.Info("commands registered")

	if g.nickname == "" {
		return
	}
	if err := api.GuildMemberNickname(guildID, "@me", g.nickname, discordgo.WithContext(ctx)); err != nil {
		log.Warn("set nickname failed", "error", err)
	}
}
