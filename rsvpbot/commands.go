package rsvpbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// eventDateLayouts are tried in order, so an ambiguous date like
	// 01/02/2025 is read as month/day
	eventDateLayouts = []string{
		"2006-1-2",
		"1/2/2006",
		"2/1/2006",
		"1-2-2006",
		"2-1-2006",
	}
	eventTimeLayouts = []string{
		"15:04",
		"3:04 PM",
		"3:04PM",
		"15.04",
	}
	errInvalidDateTime = errors.New("invalid date or time")
)

// parseEventTime combines a date and a time of day, in UTC, accepting
// the formats in eventDateLayouts and eventTimeLayouts.
func parseEventTime(date string, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.ToUpper(strings.TrimSpace(clock))

	var day time.Time
	var found bool
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			day, found = t, true
			break
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("%w: unrecognized date %q", errInvalidDateTime, date)
	}

	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, clock); err == nil {
			return time.Date(
				day.Year(), day.Month(), day.Day(),
				t.Hour(), t.Minute(), 0, 0,
				time.UTC,
			), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", errInvalidDateTime, clock)
}

// handleInteraction logs the interaction, dispatches it by type and
// sends the response.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	user := interactionUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction", interactionLogAttrs(*i)...)
		return
	}

	logger = logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
		slog.Group("user", "id", user.ID, "username", user.Username),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, user)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.db.Create(
				context.WithoutCancel(ctx),
				interactionLog,
			); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	var response *discordgo.InteractionResponse
	var edit *discordgo.MessageEdit

	switch i.Type {
	case discordgo.InteractionPing:
		response = &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}
	case discordgo.InteractionApplicationCommand:
		response = b.commandResponse(ctx, i, user)
	case discordgo.InteractionMessageComponent:
		response, edit = b.componentResponse(ctx, i, user)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if response == nil {
		return
	}
	if err = handler.Respond(ctx, response); err != nil {
		return
	}
	if edit != nil {
		_ = handler.EditMessage(ctx, edit)
	}
}

func (b *Bot) commandResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) *discordgo.InteractionResponse {
	if i.GuildID == "" {
		return ephemeralEmbedResponse(
			errorEmbed("Server Only", "Events can only be used from within a server."),
		)
	}

	switch name := i.ApplicationCommandData().Name; name {
	case commandCreateEvent:
		return b.createEventResponse(ctx, i, user)
	case commandEvents:
		return b.listEventsResponse(i)
	case commandEventInfo:
		return b.eventInfoResponse(ctx, i)
	case commandCancelEvent:
		return b.cancelEventResponse(ctx, i, user)
	case commandRSVP:
		options := discordInteractionOptions(i)
		choice, err := ParseRSVPChoice(optionString(options, optionChoice))
		if err != nil {
			return b.errorResponse(ctx, err)
		}
		response, _, _ := b.setAttendance(
			ctx, i, user, optionString(options, optionEventID), choice,
		)
		return response
	default:
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unknown command", "command", name)
		return ephemeralMessageResponse(fmt.Sprintf("Unknown command: `%s`", name))
	}
}

// componentResponse handles RSVP button clicks. Along with the reply,
// it returns an edit refreshing the event embed the buttons belong to.
func (b *Bot) componentResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (*discordgo.InteractionResponse, *discordgo.MessageEdit) {
	customID := i.MessageComponentData().CustomID
	choice, eventID, ok := parseRSVPCustomID(customID)
	if !ok {
		contextLoggerOr(ctx, b.logger).WarnContext(
			ctx,
			"unknown component",
			"custom_id", customID,
		)
		return ephemeralMessageResponse("Sorry, I don't know what that button does."), nil
	}

	response, event, changed := b.setAttendance(ctx, i, user, eventID, choice)
	if !changed || i.Message == nil {
		return response, nil
	}

	edit := discordgo.NewMessageEdit(i.Message.ChannelID, i.Message.ID).
		SetEmbed(eventEmbed(event, b.now()))
	components := rsvpButtons(event)
	edit.Components = &components
	return response, edit
}

func (b *Bot) createEventResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) *discordgo.InteractionResponse {
	options := discordInteractionOptions(i)

	start, err := parseEventTime(
		optionString(options, optionDate),
		optionString(options, optionTime),
	)
	if err != nil {
		return ephemeralEmbedResponse(invalidDateTimeEmbed())
	}

	duration := DefaultEventDurationMinutes
	if opt, ok := options[optionDuration]; ok {
		duration = int(opt.IntValue())
	}

	event, err := b.registry.Create(
		ctx, NewEvent{
			Title:           optionString(options, optionTitle),
			Description:     optionString(options, optionDescription),
			OwnerID:         user.ID,
			GuildID:         i.GuildID,
			ChannelID:       i.ChannelID,
			StartTime:       start,
			DurationMinutes: duration,
		},
	)
	if err != nil {
		return b.errorResponse(ctx, err)
	}

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{eventEmbed(event, b.now())},
			Components: rsvpButtons(event),
		},
	}
}

func (b *Bot) listEventsResponse(i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	now := b.now()
	events := b.registry.Upcoming(i.GuildID, now)
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{eventListEmbed(events, now)},
		},
	}
}

func (b *Bot) eventInfoResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	event, err := b.guildEvent(i, optionString(discordInteractionOptions(i), optionEventID))
	if err != nil {
		return b.errorResponse(ctx, err)
	}

	now := b.now()
	data := &discordgo.InteractionResponseData{
		Embeds:     []*discordgo.MessageEmbed{eventEmbed(event, now)},
		Components: rsvpButtons(event),
	}

	ics, err := eventICS(event, now)
	if err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error generating calendar file",
			"event", event,
			tint.Err(err),
		)
	} else {
		data.Files = []*discordgo.File{
			{
				Name:        icsFilename(event),
				ContentType: icalContentType,
				Reader:      bytes.NewReader(ics),
			},
		}
	}

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

func (b *Bot) cancelEventResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) *discordgo.InteractionResponse {
	eventID := optionString(discordInteractionOptions(i), optionEventID)
	if _, err := b.guildEvent(i, eventID); err != nil {
		return b.errorResponse(ctx, err)
	}

	event, changed, err := b.registry.Cancel(ctx, eventID, user.ID, isGuildAdmin(i))
	if err != nil {
		return b.errorResponse(ctx, err)
	}

	if !changed {
		return embedResponse(
			&discordgo.MessageEmbed{
				Title:       "ℹ️ Already Cancelled",
				Description: "This event is already cancelled.",
				Color:       colorBlue,
			},
		)
	}
	return embedResponse(
		&discordgo.MessageEmbed{
			Title:       "✅ Event Cancelled",
			Description: fmt.Sprintf("Event `%s` has been cancelled.", event.Title),
			Color:       colorGreen,
		},
	)
}

// setAttendance applies an RSVP from either the /rsvp command or a
// button, and returns the ephemeral reply along with the updated event.
func (b *Bot) setAttendance(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	eventID string,
	choice RSVPChoice,
) (*discordgo.InteractionResponse, Event, bool) {
	if _, err := b.guildEvent(i, eventID); err != nil {
		return b.errorResponse(ctx, err), Event{}, false
	}

	event, changed, err := b.registry.SetAttendance(ctx, eventID, user.ID, choice)
	if err != nil {
		return b.errorResponse(ctx, err), Event{}, false
	}

	if !changed {
		return ephemeralMessageResponse(
			fmt.Sprintf("ℹ️ You're already marked as %s!", choice.Label()),
		), event, false
	}
	return ephemeralMessageResponse(
		fmt.Sprintf("%s You're now marked as %s!", rsvpEmoji(choice), choice.Label()),
	), event, true
}

// guildEvent returns the event, if it belongs to the interaction's guild
func (b *Bot) guildEvent(i *discordgo.InteractionCreate, eventID string) (Event, error) {
	event, err := b.registry.Get(strings.TrimSpace(eventID))
	if err != nil {
		return Event{}, err
	}
	if event.GuildID != i.GuildID {
		return Event{}, errOtherGuild
	}
	return event, nil
}

var errOtherGuild = errors.New("event belongs to another server")

// errorResponse renders err for the user. Unexpected errors are logged,
// and the user gets the configured generic error message.
func (b *Bot) errorResponse(ctx context.Context, err error) *discordgo.InteractionResponse {
	var validationErr *ValidationError

	switch {
	case errors.As(err, &validationErr):
		if validationErr.Field == "start_time" {
			return ephemeralEmbedResponse(
				errorEmbed("Invalid Date", "Cannot create events in the past!"),
			)
		}
		return ephemeralEmbedResponse(errorEmbed("Invalid Input", validationErr.Error()))
	case errors.Is(err, ErrEventNotFound):
		return ephemeralEmbedResponse(
			errorEmbed("Event Not Found", "No event found with that ID."),
		)
	case errors.Is(err, errOtherGuild):
		return ephemeralEmbedResponse(
			errorEmbed("Access Denied", "You can only use events from this server."),
		)
	case errors.Is(err, ErrForbidden):
		return ephemeralEmbedResponse(
			errorEmbed(
				"Permission Denied",
				"Only the event creator or server administrators can cancel events.",
			),
		)
	case errors.Is(err, ErrEventCancelled):
		return ephemeralEmbedResponse(
			errorEmbed("Event Cancelled", "This event is no longer active."),
		)
	default:
		contextLoggerOr(ctx, b.logger).ErrorContext(
			ctx,
			"error handling interaction",
			tint.Err(err),
		)
		return ephemeralMessageResponse(b.config.Discord.ErrorMessage)
	}
}

func invalidDateTimeEmbed() *discordgo.MessageEmbed {
	embed := errorEmbed("Invalid Date/Time", "Please use valid date and time formats (times are UTC):")
	embed.Fields = []*discordgo.MessageEmbedField{
		{
			Name: "📅 Date Formats",
			Value: "• `YYYY-MM-DD` (2025-12-25)\n" +
				"• `MM/DD/YYYY` (12/25/2025)\n" +
				"• `DD/MM/YYYY` (25/12/2025)",
		},
		{
			Name: "🕒 Time Formats",
			Value: "• `HH:MM` (14:30)\n" +
				"• `H:MM AM/PM` (2:30 PM)",
		},
	}
	return embed
}

func rsvpEmoji(choice RSVPChoice) string {
	switch choice {
	case RSVPAttending:
		return "✅"
	case RSVPMaybe:
		return "❓"
	default:
		return "❌"
	}
}

func optionString(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := options[name]
	if !ok {
		return ""
	}
	return opt.StringValue()
}

func embedResponse(embed *discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	}
}

func ephemeralEmbedResponse(embed *discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	}
}

func ephemeralMessageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
