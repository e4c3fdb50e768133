package rsvpbot

import (
	"bytes"
	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestEventICS(t *testing.T) {
	event := Event{
		ID:              "abc123",
		Title:           "Game night",
		Description:     "Board games, snacks",
		StartTime:       testStart.Add(time.Hour),
		DurationMinutes: 90,
		CreatedAt:       testStart,
	}

	body, err := eventICS(event, testStart)
	require.NoError(t, err)

	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 1)
	ve := events[0]

	uid, err := ve.Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, "abc123@rsvpbot", uid)

	summary, err := ve.Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Game night", summary)

	description, err := ve.Props.Text(ical.PropDescription)
	require.NoError(t, err)
	assert.Equal(t, "Board games, snacks", description)

	start, err := ve.DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(event.StartTime))

	end, err := ve.DateTimeEnd(time.UTC)
	require.NoError(t, err)
	assert.True(t, end.Equal(event.EndTime()))

	status, err := ve.Props.Text(ical.PropStatus)
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", status)

	assert.Equal(t, "event-abc123.ics", icsFilename(event))
}

func TestWriteCalendar(t *testing.T) {
	events := []Event{
		{ID: "one", Title: "One", StartTime: testStart, DurationMinutes: 30, CreatedAt: testStart},
		{ID: "two", Title: "Two", StartTime: testStart, DurationMinutes: 30, CreatedAt: testStart, Cancelled: true},
	}

	var buf bytes.Buffer
	require.NoError(t, writeCalendar(&buf, testStart, events...))

	cal, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	decoded := cal.Events()
	require.Len(t, decoded, 2)

	status, err := decoded[1].Props.Text(ical.PropStatus)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", status)
}
