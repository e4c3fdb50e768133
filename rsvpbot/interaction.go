package rsvpbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog is a DB model recording each interaction received,
// for auditing.
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type"`
	UserID        string `json:"user_id" gorm:"index;not null"`
	Username      string `json:"username"`
	AppID         string `json:"application_id"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	Command       string `json:"command"`
	Payload       string `json:"payload"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		interactionLog.Command = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		interactionLog.Command = i.MessageComponentData().CustomID
	}
	return interactionLog, nil
}

// InteractionHandler responds to a single Discord interaction.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error

	// EditMessage edits a message, such as the one a clicked button
	// is attached to
	EditMessage(ctx context.Context, edit *discordgo.MessageEdit) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) EditMessage(
	ctx context.Context,
	edit *discordgo.MessageEdit,
) error {
	_, err := w.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		w.logger.ErrorContext(
			ctx,
			"error editing message",
			"message_id", edit.ID,
			tint.Err(err),
		)
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
