package rsvpbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const (
	colorBlue   = 0x3498db
	colorRed    = 0xe74c3c
	colorGreen  = 0x2ecc71
	colorOrange = 0xe67e22

	embedTimeFormat     = "2006-01-02 at 15:04 UTC"
	embedListTimeFormat = "01/02 15:04"

	// eventListLimit is the maximum number of events shown by /events
	eventListLimit = 10

	rsvpCustomIDPrefix = "rsvp"
)

// eventEmbed renders an event's details, RSVP counts and the time
// remaining until it starts
func eventEmbed(event Event, now time.Time) *discordgo.MessageEmbed {
	color := colorBlue
	if event.Cancelled {
		color = colorRed
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("📅 %s", event.Title),
		Description: event.Description,
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "🕒 Date & Time",
				Value: fmt.Sprintf(
					"**Start:** %s\n**Duration:** %d minutes",
					event.StartTime.UTC().Format(embedTimeFormat),
					event.DurationMinutes,
				),
			},
			{
				Name:   "👤 Created by",
				Value:  userMention(event.OwnerID),
				Inline: true,
			},
			{
				Name:   "🆔 Event ID",
				Value:  fmt.Sprintf("`%s`", event.ID),
				Inline: true,
			},
			{
				Name: "📊 RSVP Status",
				Value: fmt.Sprintf(
					"✅ **Attending:** %d\n❓ **Maybe:** %d\n❌ **Not Attending:** %d",
					len(event.Attending()),
					len(event.Maybe()),
					len(event.Declined()),
				),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Created on %s",
				event.CreatedAt.UTC().Format(embedTimeFormat),
			),
		},
	}

	if event.Cancelled {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "⚠️ Status",
				Value: "**CANCELLED**",
			},
		)
	}

	if remaining := timeRemaining(event.StartTime.Sub(now)); remaining != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "⏰ Time Remaining",
				Value: remaining,
			},
		)
	}

	return embed
}

// timeRemaining formats d as "2 days 3 hours 5 minutes", omitting zero
// units. Returns an empty string if less than a minute remains.
func timeRemaining(d time.Duration) string {
	if d < time.Minute {
		return ""
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)

	var parts []string
	for _, unit := range []struct {
		n    int
		name string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
	} {
		if unit.n == 0 {
			continue
		}
		part := fmt.Sprintf("%d %s", unit.n, unit.name)
		if unit.n != 1 {
			part += "s"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// shortTimeUntil formats d as "In 2d 3h", or "In 3h 5m" when less than
// a day remains
func shortTimeUntil(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days > 0 {
		return fmt.Sprintf("In %dd %dh", days, hours)
	}
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("In %dh %dm", hours, minutes)
}

// eventListEmbed renders up to eventListLimit upcoming events
func eventListEmbed(events []Event, now time.Time) *discordgo.MessageEmbed {
	if len(events) == 0 {
		return &discordgo.MessageEmbed{
			Title:       "📅 No Upcoming Events",
			Description: "No events are currently scheduled for this server.",
			Color:       colorBlue,
			Fields: []*discordgo.MessageEmbedField{
				{
					Name:  "💡 Create an Event",
					Value: fmt.Sprintf("Use `/%s` to create a new event!", commandCreateEvent),
				},
			},
		}
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("📅 Upcoming Events (%d)", len(events)),
		Color: colorBlue,
	}
	shown := events
	if len(shown) > eventListLimit {
		shown = shown[:eventListLimit]
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Showing first %d of %d events",
				eventListLimit,
				len(events),
			),
		}
	}
	for _, event := range shown {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: fmt.Sprintf("🎯 %s", truncate(event.Title, 240)),
				Value: fmt.Sprintf(
					"**ID:** `%s`\n**Time:** %s\n**Status:** %s\n**Attending:** %d",
					event.ID,
					event.StartTime.UTC().Format(embedListTimeFormat),
					shortTimeUntil(event.StartTime.Sub(now)),
					len(event.Attending()),
				),
				Inline: true,
			},
		)
	}
	return embed
}

// reminderEmbed renders the reminder posted shortly before an event
// starts. mentions is the already-formatted list of attendees to name.
func reminderEmbed(event Event, attendingCount int, mentions string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "⏰ Event Reminder",
		Description: fmt.Sprintf("**%s** is starting soon!", event.Title),
		Color:       colorOrange,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "🕒 Start Time",
				Value:  event.StartTime.UTC().Format(embedTimeFormat),
				Inline: true,
			},
			{
				Name:   "👥 Attending",
				Value:  fmt.Sprintf("%d people", attendingCount),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Event ID: %s", event.ID),
		},
	}
	if mentions != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "📢 Reminder for",
				Value: mentions,
			},
		)
	}
	return embed
}

// errorEmbed renders a user-facing failure, such as a validation error
func errorEmbed(title string, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("❌ %s", title),
		Description: description,
		Color:       colorRed,
	}
}

// rsvpCustomID returns the button custom ID for the given choice on an
// event, formatted as rsvp:<choice>:<event id>
func rsvpCustomID(choice RSVPChoice, eventID string) string {
	return strings.Join([]string{rsvpCustomIDPrefix, string(choice), eventID}, ":")
}

// parseRSVPCustomID is the inverse of rsvpCustomID
func parseRSVPCustomID(customID string) (RSVPChoice, string, bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != rsvpCustomIDPrefix || parts[2] == "" {
		return "", "", false
	}
	choice, err := ParseRSVPChoice(parts[1])
	if err != nil {
		return "", "", false
	}
	return choice, parts[2], true
}

// rsvpButtons returns the attend/maybe/decline buttons for an event.
// Cancelled events get no buttons.
func rsvpButtons(event Event) []discordgo.MessageComponent {
	if event.Cancelled {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "✅ Attending",
					Style:    discordgo.SuccessButton,
					CustomID: rsvpCustomID(RSVPAttending, event.ID),
				},
				discordgo.Button{
					Label:    "❓ Maybe",
					Style:    discordgo.SecondaryButton,
					CustomID: rsvpCustomID(RSVPMaybe, event.ID),
				},
				discordgo.Button{
					Label:    "❌ Not Attending",
					Style:    discordgo.DangerButton,
					CustomID: rsvpCustomID(RSVPDeclined, event.ID),
				},
			},
		},
	}
}
