package rsvpbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"strings"
)

// reminderMentionLimit caps the number of attendees mentioned by name
// in a reminder. The rest are summarized as "and N others".
const reminderMentionLimit = 10

// Notifier delivers a reminder for an event to its attendees.
// attendees may be empty.
type Notifier interface {
	Notify(ctx context.Context, event Event, attendees []string) error
}

// NotifierFunc adapts an ordinary function to a Notifier
type NotifierFunc func(ctx context.Context, event Event, attendees []string) error

func (f NotifierFunc) Notify(ctx context.Context, event Event, attendees []string) error {
	return f(ctx, event, attendees)
}

// discordNotifier posts reminders to the event's channel
type discordNotifier struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordNotifier(session DiscordSessionHandler, logger *slog.Logger) *discordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordNotifier{
		session: session,
		logger:  logger.With(loggerNameKey, "discord_notifier"),
	}
}

func (n *discordNotifier) Notify(
	ctx context.Context,
	event Event,
	attendees []string,
) error {
	msg := reminderMessage(event, attendees)
	sent, err := n.session.ChannelMessageSendComplex(
		event.ChannelID,
		msg,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
	if err != nil {
		return fmt.Errorf("error sending reminder to channel %s: %w", event.ChannelID, err)
	}
	n.logger.InfoContext(
		ctx,
		"sent reminder",
		"event", event,
		"message_id", sent.ID,
		"attendees", len(attendees),
	)
	return nil
}

// reminderMessage builds the channel message for an event reminder.
// Only the mentioned attendees are pinged.
func reminderMessage(event Event, attendees []string) *discordgo.MessageSend {
	mentioned := attendees
	if len(mentioned) > reminderMentionLimit {
		mentioned = mentioned[:reminderMentionLimit]
	}

	var mentions string
	if len(mentioned) > 0 {
		m := make([]string, len(mentioned))
		for i, userID := range mentioned {
			m[i] = userMention(userID)
		}
		mentions = strings.Join(m, " ")
		if remaining := len(attendees) - len(mentioned); remaining > 0 {
			mentions = fmt.Sprintf("%s and %d others", mentions, remaining)
		}
	}

	users := make([]string, len(mentioned))
	copy(users, mentioned)

	return &discordgo.MessageSend{
		Content: mentions,
		Embeds: []*discordgo.MessageEmbed{
			reminderEmbed(event, len(attendees), mentions),
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: users,
		},
	}
}

func userMention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}
