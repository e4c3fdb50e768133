package rsvpbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stubHandler is an InteractionHandler recording its responses
type stubHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.MessageEdit
}

func (h *stubHandler) Respond(_ context.Context, response *discordgo.InteractionResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, response)
	return nil
}

func (h *stubHandler) EditMessage(_ context.Context, edit *discordgo.MessageEdit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = append(h.edits, edit)
	return nil
}

func (h *stubHandler) GetInteraction() *discordgo.InteractionCreate {
	return h.interaction
}

func (h *stubHandler) Logger() *slog.Logger {
	return slog.Default()
}

// response returns the single response sent
func (h *stubHandler) response(t testing.TB) *discordgo.InteractionResponseData {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.responses, 1)
	require.NotNil(t, h.responses[0].Data)
	return h.responses[0].Data
}

type testMember struct {
	id    string
	admin bool
	bot   bool
}

func (m testMember) member() *discordgo.Member {
	member := &discordgo.Member{
		User: &discordgo.User{ID: m.id, Username: m.id, Bot: m.bot},
	}
	if m.admin {
		member.Permissions = discordgo.PermissionAdministrator
	}
	return member
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func commandInteraction(
	guildID string,
	m testMember,
	command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction-%s", command),
			AppID:     "123456789",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "channel-1",
			Member:    m.member(),
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    command,
				Options: options,
			},
		},
	}
}

func buttonInteraction(guildID string, m testMember, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-button",
			AppID:     "123456789",
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   guildID,
			ChannelID: "channel-1",
			Member:    m.member(),
			Message:   &discordgo.Message{ID: "message-1", ChannelID: "channel-1"},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func handle(t testing.TB, b *Bot, i *discordgo.InteractionCreate) *stubHandler {
	t.Helper()
	h := &stubHandler{interaction: i}
	b.handleInteraction(context.Background(), h)
	return h
}

func embedTitle(t testing.TB, data *discordgo.InteractionResponseData) string {
	t.Helper()
	require.Len(t, data.Embeds, 1)
	return data.Embeds[0].Title
}

func TestParseEventTime(t *testing.T) {
	want := time.Date(2030, time.December, 25, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		date  string
		clock string
	}{
		{"2030-12-25", "14:30"},
		{"12/25/2030", "2:30 PM"},
		{"25/12/2030", "2:30pm"},
		{"12-25-2030", "14.30"},
		{" 2030-12-25 ", " 14:30 "},
	}
	for _, tc := range tests {
		t.Run(
			tc.date+" "+tc.clock, func(t *testing.T) {
				got, err := parseEventTime(tc.date, tc.clock)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			},
		)
	}

	// ambiguous dates are month first
	got, err := parseEventTime("01/02/2030", "09:00")
	require.NoError(t, err)
	assert.Equal(t, time.January, got.Month())
	assert.Equal(t, 2, got.Day())

	for _, bad := range [][2]string{
		{"tomorrow", "14:30"},
		{"2030-02-30", "14:30"},
		{"2030-12-25", "25:00"},
		{"2030-12-25", "noon"},
	} {
		_, err = parseEventTime(bad[0], bad[1])
		assert.ErrorIs(t, err, errInvalidDateTime, "%v", bad)
	}
}

func createEventInteraction(m testMember, start time.Time) *discordgo.InteractionCreate {
	return commandInteraction(
		"guild-1",
		m,
		commandCreateEvent,
		stringOption(optionTitle, "Game night"),
		stringOption(optionDescription, "Board games"),
		stringOption(optionDate, start.Format("2006-01-02")),
		stringOption(optionTime, start.Format("15:04")),
		intOption(optionDuration, 120),
	)
}

func TestCreateEventCommand(t *testing.T) {
	b, _, _ := newTestBot(t)
	owner := testMember{id: "owner-1"}

	h := handle(t, b, createEventInteraction(owner, testStart.Add(48*time.Hour)))
	data := h.response(t)
	assert.Zero(t, data.Flags&discordgo.MessageFlagsEphemeral)
	assert.Equal(t, "📅 Game night", embedTitle(t, data))
	require.Len(t, data.Components, 1)

	events := b.registry.List("guild-1")
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, "owner-1", event.OwnerID)
	assert.Equal(t, "channel-1", event.ChannelID)
	assert.Equal(t, 120, event.DurationMinutes)
	assert.Equal(t, testStart.Add(48*time.Hour), event.StartTime)
}

func TestCreateEventCommand_InPast(t *testing.T) {
	b, _, _ := newTestBot(t)

	h := handle(t, b, createEventInteraction(testMember{id: "owner-1"}, testStart.Add(-time.Hour)))
	data := h.response(t)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
	assert.Equal(t, "❌ Invalid Date", embedTitle(t, data))
	assert.Equal(t, 0, b.registry.Len())
}

func TestCreateEventCommand_BadDate(t *testing.T) {
	b, _, _ := newTestBot(t)

	i := commandInteraction(
		"guild-1",
		testMember{id: "owner-1"},
		commandCreateEvent,
		stringOption(optionTitle, "Game night"),
		stringOption(optionDescription, "Board games"),
		stringOption(optionDate, "next friday"),
		stringOption(optionTime, "14:30"),
	)
	data := handle(t, b, i).response(t)
	assert.Equal(t, "❌ Invalid Date/Time", embedTitle(t, data))
	assert.Equal(t, 0, b.registry.Len())
}

func TestCreateEventCommand_DefaultDuration(t *testing.T) {
	b, _, _ := newTestBot(t)
	start := testStart.Add(time.Hour)

	i := commandInteraction(
		"guild-1",
		testMember{id: "owner-1"},
		commandCreateEvent,
		stringOption(optionTitle, "Game night"),
		stringOption(optionDescription, "Board games"),
		stringOption(optionDate, start.Format("2006-01-02")),
		stringOption(optionTime, start.Format("15:04")),
	)
	handle(t, b, i).response(t)

	events := b.registry.List("guild-1")
	require.Len(t, events, 1)
	assert.Equal(t, DefaultEventDurationMinutes, events[0].DurationMinutes)
}

func TestCommandOutsideGuild(t *testing.T) {
	b, _, _ := newTestBot(t)

	i := commandInteraction("", testMember{id: "user-1"}, commandEvents)
	i.Member = nil
	i.User = &discordgo.User{ID: "user-1", Username: "user-1"}

	data := handle(t, b, i).response(t)
	assert.Equal(t, "❌ Server Only", embedTitle(t, data))
}

func TestBotUserIgnored(t *testing.T) {
	b, _, _ := newTestBot(t)

	h := handle(t, b, commandInteraction("guild-1", testMember{id: "bot-1", bot: true}, commandEvents))
	assert.Empty(t, h.responses)
}

func TestEventsCommand(t *testing.T) {
	b, _, clock := newTestBot(t)
	ctx := context.Background()

	_, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)
	_, err = b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(3*time.Hour)))
	require.NoError(t, err)
	other := newTestEvent("owner-1", testStart.Add(time.Hour))
	other.GuildID = "guild-2"
	_, err = b.registry.Create(ctx, other)
	require.NoError(t, err)

	data := handle(t, b, commandInteraction("guild-1", testMember{id: "user-1"}, commandEvents)).response(t)
	assert.Equal(t, "📅 Upcoming Events (2)", embedTitle(t, data))

	// events which already started aren't listed
	clock.Advance(2 * time.Hour)
	data = handle(t, b, commandInteraction("guild-1", testMember{id: "user-1"}, commandEvents)).response(t)
	assert.Equal(t, "📅 Upcoming Events (1)", embedTitle(t, data))

	data = handle(t, b, commandInteraction("guild-3", testMember{id: "user-1"}, commandEvents)).response(t)
	assert.Equal(t, "📅 No Upcoming Events", embedTitle(t, data))
}

func TestEventInfoCommand(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()

	event, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)

	data := handle(
		t, b, commandInteraction(
			"guild-1",
			testMember{id: "user-1"},
			commandEventInfo,
			stringOption(optionEventID, event.ID),
		),
	).response(t)
	assert.Equal(t, "📅 Game night", embedTitle(t, data))
	require.Len(t, data.Files, 1)
	assert.Equal(t, icsFilename(event), data.Files[0].Name)
	assert.Equal(t, icalContentType, data.Files[0].ContentType)

	data = handle(
		t, b, commandInteraction(
			"guild-1",
			testMember{id: "user-1"},
			commandEventInfo,
			stringOption(optionEventID, "missing"),
		),
	).response(t)
	assert.Equal(t, "❌ Event Not Found", embedTitle(t, data))

	data = handle(
		t, b, commandInteraction(
			"guild-2",
			testMember{id: "user-1"},
			commandEventInfo,
			stringOption(optionEventID, event.ID),
		),
	).response(t)
	assert.Equal(t, "❌ Access Denied", embedTitle(t, data))
}

func cancelInteraction(guildID string, m testMember, eventID string) *discordgo.InteractionCreate {
	return commandInteraction(guildID, m, commandCancelEvent, stringOption(optionEventID, eventID))
}

func TestCancelEventCommand(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()

	event, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)

	data := handle(t, b, cancelInteraction("guild-1", testMember{id: "user-2"}, event.ID)).response(t)
	assert.Equal(t, "❌ Permission Denied", embedTitle(t, data))
	got, err := b.registry.Get(event.ID)
	require.NoError(t, err)
	assert.False(t, got.Cancelled)

	data = handle(t, b, cancelInteraction("guild-2", testMember{id: "owner-1"}, event.ID)).response(t)
	assert.Equal(t, "❌ Access Denied", embedTitle(t, data))

	data = handle(t, b, cancelInteraction("guild-1", testMember{id: "owner-1"}, event.ID)).response(t)
	assert.Equal(t, "✅ Event Cancelled", embedTitle(t, data))
	got, err = b.registry.Get(event.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)

	data = handle(t, b, cancelInteraction("guild-1", testMember{id: "owner-1"}, event.ID)).response(t)
	assert.Equal(t, "ℹ️ Already Cancelled", embedTitle(t, data))
}

func TestCancelEventCommand_Admin(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()

	event, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)

	data := handle(t, b, cancelInteraction("guild-1", testMember{id: "admin-1", admin: true}, event.ID)).response(t)
	assert.Equal(t, "✅ Event Cancelled", embedTitle(t, data))
}

func rsvpInteraction(guildID string, m testMember, eventID string, choice string) *discordgo.InteractionCreate {
	return commandInteraction(
		guildID,
		m,
		commandRSVP,
		stringOption(optionEventID, eventID),
		stringOption(optionChoice, choice),
	)
}

func TestRSVPCommand(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()
	user := testMember{id: "user-1"}

	event, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)

	data := handle(t, b, rsvpInteraction("guild-1", user, event.ID, "attending")).response(t)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
	assert.Equal(t, "✅ You're now marked as attending!", data.Content)

	data = handle(t, b, rsvpInteraction("guild-1", user, event.ID, "attending")).response(t)
	assert.Equal(t, "ℹ️ You're already marked as attending!", data.Content)

	data = handle(t, b, rsvpInteraction("guild-1", user, event.ID, "not_attending")).response(t)
	assert.Equal(t, "❌ You're now marked as not attending!", data.Content)

	got, err := b.registry.Get(event.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attending())
	assert.Equal(t, []string{"user-1"}, got.Declined())

	data = handle(t, b, rsvpInteraction("guild-2", user, event.ID, "maybe")).response(t)
	assert.Equal(t, "❌ Access Denied", embedTitle(t, data))

	data = handle(t, b, rsvpInteraction("guild-1", user, event.ID, "perhaps")).response(t)
	assert.Equal(t, "❌ Invalid Input", embedTitle(t, data))

	_, _, err = b.registry.Cancel(ctx, event.ID, "owner-1", false)
	require.NoError(t, err)
	data = handle(t, b, rsvpInteraction("guild-1", user, event.ID, "maybe")).response(t)
	assert.Equal(t, "❌ Event Cancelled", embedTitle(t, data))
}

func TestRSVPButton(t *testing.T) {
	b, _, _ := newTestBot(t)
	ctx := context.Background()
	user := testMember{id: "user-1"}

	event, err := b.registry.Create(ctx, newTestEvent("owner-1", testStart.Add(time.Hour)))
	require.NoError(t, err)

	h := handle(t, b, buttonInteraction("guild-1", user, rsvpCustomID(RSVPMaybe, event.ID)))
	data := h.response(t)
	assert.Equal(t, "❓ You're now marked as maybe attending!", data.Content)

	// the event message is refreshed with the new counts
	require.Len(t, h.edits, 1)
	edit := h.edits[0]
	assert.Equal(t, "message-1", edit.ID)
	assert.Equal(t, "channel-1", edit.Channel)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Contains(t, (*edit.Embeds)[0].Fields[3].Value, "**Maybe:** 1")

	// no edit when nothing changed
	h = handle(t, b, buttonInteraction("guild-1", user, rsvpCustomID(RSVPMaybe, event.ID)))
	assert.Equal(t, "ℹ️ You're already marked as maybe attending!", h.response(t).Content)
	assert.Empty(t, h.edits)

	h = handle(t, b, buttonInteraction("guild-1", user, "unknown:button"))
	assert.Equal(t, "Sorry, I don't know what that button does.", h.response(t).Content)
}

func TestInteractionsAreLogged(t *testing.T) {
	b, _, _ := newTestBot(t)

	handle(t, b, commandInteraction("guild-1", testMember{id: "user-1"}, commandEvents))

	var logs []InteractionLog
	require.NoError(t, b.db.DB().Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "user-1", logs[0].UserID)
	assert.Equal(t, commandEvents, logs[0].Command)
	assert.Equal(t, "guild-1", logs[0].GuildID)
}
