package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"julian-relay/internal/integrations/discord"
	"julian-relay/internal/usecase"
)

type RelayUseCase interface {
	HandleMessage(ctx context.Context, in usecase.MessageInput, r usecase.Responder) error
	HandleCommand(ctx context.Context, in usecase.CommandInput, r usecase.Responder) error
	Reset(ctx context.Context, in usecase.ResetInput, r usecase.Responder) error
}

// Deduper reports whether an event ID was already handled.
type Deduper interface {
	Seen(id string) bool
}

// discordAPI is the subset of *discordgo.Session the responders use.
type discordAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Handler maps Discord events onto the relay use case.
type Handler struct {
	relay  RelayUseCase
	api    discordAPI
	dedupe Deduper
	logger *slog.Logger
}

func NewHandler(relay RelayUseCase, api discordAPI, dedupe Deduper, logger *slog.Logger) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay use case must not be nil")
	}
	if api == nil {
		return nil, errors.New("handler: discord api must not be nil")
	}
	if dedupe == nil {
		return nil, errors.New("handler: dedupe cache must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: relay, api: api, dedupe: dedupe, logger: logger}, nil
}

// HandleMessage handles one MESSAGE_CREATE event.
func (h *Handler) HandleMessage(ctx context.Context, m *discordgo.Message, botID string) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if h.dedupe.Seen("message:" + m.ID) {
		h.logger.Debug("duplicate message dropped", "message_id", m.ID)
		return
	}

	in := usecase.MessageInput{
		RequestID:      newRequestID(),
		ConversationID: m.ChannelID,
		AuthorID:       m.Author.ID,
		AuthorName:     messageAuthorName(m),
		IsBot:          m.Author.Bot,
		Text:           m.Content,
		BotID:          botID,
	}
	r := &messageResponder{api: h.api, msg: m}
	h.report(in.RequestID, "message", h.relay.HandleMessage(ctx, in, r))
}

// HandleInteraction handles one INTERACTION_CREATE event.
func (h *Handler) HandleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if h.dedupe.Seen("interaction:" + i.ID) {
		h.logger.Debug("duplicate interaction dropped", "interaction_id", i.ID)
		return
	}

	reqID := newRequestID()
	data := i.ApplicationCommandData()
	authorID, authorName := interactionAuthor(i)

	switch data.Name {
	case discord.CommandGenerate:
		prompt, ephemeral := commandOptions(data.Options)
		r := &commandResponder{api: h.api, interaction: i, ephemeral: ephemeral}
		if err := r.acknowledge(ctx); err != nil {
			h.logger.Error("defer interaction failed", "request_id", reqID, "error", err)
			return
		}
		in := usecase.CommandInput{
			RequestID:      reqID,
			ConversationID: i.ChannelID,
			AuthorID:       authorID,
			AuthorName:     authorName,
			Prompt:         prompt,
			Ephemeral:      ephemeral,
		}
		h.report(reqID, "command", h.relay.HandleCommand(ctx, in, r))
	case discord.CommandReset:
		r := &commandResponder{api: h.api, interaction: i, ephemeral: true}
		in := usecase.ResetInput{RequestID: reqID, ConversationID: i.ChannelID, AuthorID: authorID}
		h.report(reqID, "reset", h.relay.Reset(ctx, in, r))
	default:
		h.logger.Warn("unknown command", "request_id", reqID, "command", data.Name)
	}
}

// report logs a finished task at a level matching its error code.
func (h *Handler) report(requestID, mode string, err error) {
	if err == nil {
		return
	}
	code, ok := usecase.CodeOf(err)
	if !ok {
		code = usecase.ErrorInternal
	}
	h.logger.Log(context.Background(), levelForCode(code), "task finished with error",
		"request_id", requestID,
		"mode", mode,
		"code", string(code),
		"error", err,
	)
}

func levelForCode(code usecase.ErrorCode) slog.Level {
	switch code {
	case usecase.ErrorInvalidInput:
		return slog.LevelInfo
	case usecase.ErrorRateLimited, usecase.ErrorDelivery:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func commandOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) (prompt string, ephemeral bool) {
	for _, o := range opts {
		switch o.Name {
		case discord.OptionPrompt:
			prompt = strings.TrimSpace(o.StringValue())
		case discord.OptionEphemeral:
			ephemeral = o.BoolValue()
		}
	}
	return prompt, ephemeral
}

// messageAuthorName prefers the member's display name. Members delivered
// with MESSAGE_CREATE carry no user, so the message author stands in.
func messageAuthorName(m *discordgo.Message) string {
	if m.Member != nil && m.Author != nil {
		member := *m.Member
		if member.User == nil {
			member.User = m.Author
		}
		if name := member.DisplayName(); name != "" {
			return name
		}
	}
	return userName(m.Author)
}

func interactionAuthor(i *discordgo.Interaction) (id, name string) {
	if i.Member != nil && i.Member.User != nil {
		if name := i.Member.DisplayName(); name != "" {
			return i.Member.User.ID, name
		}
		return i.Member.User.ID, "User"
	}
	if i.User != nil {
		return i.User.ID, userName(i.User)
	}
	return "", "User"
}

func userName(u *discordgo.User) string {
	switch {
	case u == nil:
		return "User"
	case u.GlobalName != "":
		return u.GlobalName
	case u.Username != "":
		return u.Username
	default:
		return "User"
	}
}

var newRequestID = func() string {
	return uuid.NewString()
}
