package handler

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// messageResponder answers a free-text trigger with a reply that is
// created on first Update and edited afterwards.
type messageResponder struct {
	api   discordAPI
	msg   *discordgo.Message
	reply *discordgo.Message
}

func (r *messageResponder) Update(ctx context.Context, text string) error {
	if r.reply == nil {
		sent, err := r.api.ChannelMessageSendReply(r.msg.ChannelID, text, r.msg.Reference(), discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("handler: send reply: %w", err)
		}
		r.reply = sent
		return nil
	}
	if _, err := r.api.ChannelMessageEdit(r.reply.ChannelID, r.reply.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: edit reply: %w", err)
	}
	return nil
}

func (r *messageResponder) FollowUp(ctx context.Context, text string) error {
	if _, err := r.api.ChannelMessageSend(r.msg.ChannelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: send follow-up: %w", err)
	}
	return nil
}

func (r *messageResponder) Reply(ctx context.Context, text string) error {
	if _, err := r.api.ChannelMessageSendReply(r.msg.ChannelID, text, r.msg.Reference(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: send reply: %w", err)
	}
	return nil
}

func (r *messageResponder) Typing(ctx context.Context) error {
	if err := r.api.ChannelTyping(r.msg.ChannelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: typing: %w", err)
	}
	return nil
}

// commandResponder answers a slash command through its interaction token.
type commandResponder struct {
	api         discordAPI
	interaction *discordgo.Interaction
	ephemeral   bool
}

func (r *commandResponder) flags() discordgo.MessageFlags {
	if r.ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

// acknowledge defers the response so generation may outlast the
// three-second interaction deadline.
func (r *commandResponder) acknowledge(ctx context.Context) error {
	err := r.api.InteractionRespond(r.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: r.flags()},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("handler: defer interaction: %w", err)
	}
	return nil
}

func (r *commandResponder) Update(ctx context.Context, text string) error {
	if _, err := r.api.InteractionResponseEdit(r.interaction, &discordgo.WebhookEdit{Content: &text}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: edit interaction response: %w", err)
	}
	return nil
}

func (r *commandResponder) FollowUp(ctx context.Context, text string) error {
	_, err := r.api.FollowupMessageCreate(r.interaction, true, &discordgo.WebhookParams{
		Content: text,
		Flags:   r.flags(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("handler: create follow-up: %w", err)
	}
	return nil
}

func (r *commandResponder) Reply(ctx context.Context, text string) error {
	err := r.api.InteractionRespond(r.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: r.flags()},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("handler: respond to interaction: %w", err)
	}
	return nil
}

// Typing is a no-op: a deferred interaction already shows "thinking".
func (r *commandResponder) Typing(context.Context) error { return nil }
