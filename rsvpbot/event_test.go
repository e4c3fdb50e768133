package rsvpbot

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestParseRSVPChoice(t *testing.T) {
	tests := []struct {
		input  string
		expect RSVPChoice
	}{
		{"attending", RSVPAttending},
		{"Maybe", RSVPMaybe},
		{" declined ", RSVPDeclined},
		{"not_attending", RSVPDeclined},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				choice, err := ParseRSVPChoice(tc.input)
				require.NoError(t, err)
				assert.Equal(t, tc.expect, choice)
			},
		)
	}

	_, err := ParseRSVPChoice("going")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "choice", validationErr.Field)
}

func TestRSVPChoice_Label(t *testing.T) {
	assert.Equal(t, "attending", RSVPAttending.Label())
	assert.Equal(t, "maybe attending", RSVPMaybe.Label())
	assert.Equal(t, "not attending", RSVPDeclined.Label())
}

func TestEvent_Clone(t *testing.T) {
	e := Event{
		ID: "abc",
		RSVPs: map[string]RSVP{
			"u1": {UserID: "u1", Choice: RSVPAttending},
		},
	}
	c := e.Clone()
	c.RSVPs["u2"] = RSVP{UserID: "u2", Choice: RSVPMaybe}
	c.RSVPs["u1"] = RSVP{UserID: "u1", Choice: RSVPDeclined}

	assert.Len(t, e.RSVPs, 1)
	assert.Equal(t, RSVPAttending, e.RSVPs["u1"].Choice)

	// an event without RSVPs still clones to a usable map
	empty := Event{}.Clone()
	require.NotNil(t, empty.RSVPs)
	empty.RSVPs["u1"] = RSVP{}
}

func TestEvent_AttendanceOrder(t *testing.T) {
	e := Event{
		RSVPs: map[string]RSVP{
			"late":   {UserID: "late", Choice: RSVPAttending, UpdatedAt: testStart.Add(time.Minute)},
			"early":  {UserID: "early", Choice: RSVPAttending, UpdatedAt: testStart},
			"b-tied": {UserID: "b-tied", Choice: RSVPAttending, UpdatedAt: testStart},
			"maybe":  {UserID: "maybe", Choice: RSVPMaybe, UpdatedAt: testStart},
			"no":     {UserID: "no", Choice: RSVPDeclined, UpdatedAt: testStart},
		},
	}
	assert.Equal(t, []string{"b-tied", "early", "late"}, e.Attending())
	assert.Equal(t, []string{"maybe"}, e.Maybe())
	assert.Equal(t, []string{"no"}, e.Declined())

	choice, ok := e.Choice("no")
	assert.True(t, ok)
	assert.Equal(t, RSVPDeclined, choice)

	_, ok = e.Choice("nobody")
	assert.False(t, ok)
}

func TestEvent_Ended(t *testing.T) {
	e := Event{StartTime: testStart, DurationMinutes: 90}
	assert.Equal(t, testStart.Add(90*time.Minute), e.EndTime())
	assert.False(t, e.Ended(testStart))
	assert.False(t, e.Ended(testStart.Add(89*time.Minute)))
	assert.True(t, e.Ended(testStart.Add(90*time.Minute)))
}

func TestNormalizeTime(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	in := time.Date(2030, 1, 2, 3, 4, 5, 123456789, loc)
	out := normalizeTime(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.True(t, out.Equal(time.Date(2030, 1, 1, 22, 4, 5, 123000000, time.UTC)))
	assert.True(t, normalizeTime(time.Time{}).IsZero())
}
