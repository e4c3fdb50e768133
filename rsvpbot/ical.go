package rsvpbot

import (
	"bytes"
	"fmt"
	"github.com/emersion/go-ical"
	"io"
	"time"
)

const (
	icalProductID   = "-//rsvpbot//EN"
	icalContentType = "text/calendar; charset=utf-8"
	icalUIDDomain   = "rsvpbot"
)

// writeCalendar encodes the events as an iCalendar document
func writeCalendar(w io.Writer, now time.Time, events ...Event) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icalProductID)
	for _, event := range events {
		cal.Children = append(cal.Children, eventComponent(event, now))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

func eventComponent(event Event, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, fmt.Sprintf("%s@%s", event.ID, icalUIDDomain))
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime().UTC())
	ve.Props.SetDateTime(ical.PropCreated, event.CreatedAt.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Cancelled {
		ve.Props.SetText(ical.PropStatus, "CANCELLED")
	} else {
		ve.Props.SetText(ical.PropStatus, "CONFIRMED")
	}
	return ve
}

// eventICS returns a single event as an .ics file body
func eventICS(event Event, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCalendar(&buf, now, event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func icsFilename(event Event) string {
	return fmt.Sprintf("event-%s.ics", event.ID)
}
