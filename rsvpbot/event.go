//nolint:lll // struct tags can't be split
package rsvpbot

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	RSVPAttending RSVPChoice = "attending"
	RSVPMaybe     RSVPChoice = "maybe"
	RSVPDeclined  RSVPChoice = "declined"

	DefaultEventDurationMinutes = 60
	MaxEventDurationMinutes     = 24 * 60
)

// RSVPChoice is a user's response to an event
type RSVPChoice string

func (c RSVPChoice) String() string {
	return string(c)
}

// Valid reports whether c is one of the known choices
func (c RSVPChoice) Valid() bool {
	switch c {
	case RSVPAttending, RSVPMaybe, RSVPDeclined:
		return true
	default:
		return false
	}
}

// Label is the human-readable form of the choice, as used in replies
// ("You're now marked as <label>")
func (c RSVPChoice) Label() string {
	switch c {
	case RSVPAttending:
		return "attending"
	case RSVPMaybe:
		return "maybe attending"
	case RSVPDeclined:
		return "not attending"
	default:
		return string(c)
	}
}

// ParseRSVPChoice parses a choice, accepting "not_attending" as an
// alias for RSVPDeclined.
func ParseRSVPChoice(s string) (RSVPChoice, error) {
	c := RSVPChoice(strings.ToLower(strings.TrimSpace(s)))
	if c == "not_attending" {
		return RSVPDeclined, nil
	}
	if !c.Valid() {
		return "", newValidationError("choice", "unknown RSVP choice %q", s)
	}
	return c, nil
}

// RSVP records a single user's current choice for an event, and when
// they made it.
type RSVP struct {
	UserID    string     `json:"user_id"`
	Choice    RSVPChoice `json:"choice"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is a scheduled gathering within a guild.
//
// A user appears in at most one of the attending, maybe and declined
// sets, as attendance is keyed by user ID. Events are never deleted;
// cancellation is terminal.
type Event struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	OwnerID         string    `json:"owner_id"`
	GuildID         string    `json:"guild_id"`
	ChannelID       string    `json:"channel_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
	Cancelled       bool      `json:"cancelled"`
	ReminderSent    bool      `json:"reminder_sent"`

	RSVPs map[string]RSVP `json:"rsvps"`
}

// Clone returns a deep copy of the event
func (e Event) Clone() Event {
	c := e
	c.RSVPs = make(map[string]RSVP, len(e.RSVPs))
	for k, v := range e.RSVPs {
		c.RSVPs[k] = v
	}
	return c
}

func (e Event) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

func (e Event) EndTime() time.Time {
	return e.StartTime.Add(e.Duration())
}

// Ended reports whether the event's end time is at or before now
func (e Event) Ended(now time.Time) bool {
	return !now.Before(e.EndTime())
}

// Choice returns the user's current choice, if they've responded
func (e Event) Choice(userID string) (RSVPChoice, bool) {
	r, ok := e.RSVPs[userID]
	return r.Choice, ok
}

// Attending returns the IDs of users attending, in the order they responded
func (e Event) Attending() []string {
	return e.usersWithChoice(RSVPAttending)
}

// Maybe returns the IDs of users who might attend, in the order they responded
func (e Event) Maybe() []string {
	return e.usersWithChoice(RSVPMaybe)
}

// Declined returns the IDs of users not attending, in the order they responded
func (e Event) Declined() []string {
	return e.usersWithChoice(RSVPDeclined)
}

func (e Event) usersWithChoice(choice RSVPChoice) []string {
	rsvps := make([]RSVP, 0, len(e.RSVPs))
	for _, r := range e.RSVPs {
		if r.Choice == choice {
			rsvps = append(rsvps, r)
		}
	}
	sort.Slice(
		rsvps, func(i, j int) bool {
			if !rsvps[i].UpdatedAt.Equal(rsvps[j].UpdatedAt) {
				return rsvps[i].UpdatedAt.Before(rsvps[j].UpdatedAt)
			}
			return rsvps[i].UserID < rsvps[j].UserID
		},
	)
	users := make([]string, len(rsvps))
	for i, r := range rsvps {
		users[i] = r.UserID
	}
	return users
}

func (e Event) String() string {
	return fmt.Sprintf("%s (%s)", e.Title, e.ID)
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.String("title", truncate(e.Title, 50)),
		slog.String("guild_id", e.GuildID),
		slog.String("channel_id", e.ChannelID),
		slog.Time("start_time", e.StartTime),
		slog.Int("duration_minutes", e.DurationMinutes),
		slog.Int("rsvps", len(e.RSVPs)),
	}
	if e.Cancelled {
		attrs = append(attrs, slog.Bool("cancelled", e.Cancelled))
	}
	if e.ReminderSent {
		attrs = append(attrs, slog.Bool("reminder_sent", e.ReminderSent))
	}
	return slog.GroupValue(attrs...)
}

// NewEvent is a request to create an Event.
type NewEvent struct {
	Title           string    `json:"title" binding:"required,max=256"`
	Description     string    `json:"description" binding:"required,max=4000"`
	OwnerID         string    `json:"owner_id" binding:"required"`
	GuildID         string    `json:"guild_id" binding:"required"`
	ChannelID       string    `json:"channel_id" binding:"required"`
	StartTime       time.Time `json:"start_time" binding:"required"`
	DurationMinutes int       `json:"duration_minutes" binding:"min=1,max=1440"`
}

// normalizeTime truncates t to millisecond precision in UTC, which is
// what the store persists, so reloaded events compare equal.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
