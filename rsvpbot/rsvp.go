package rsvpbot

import (
	"context"
	"strings"
)

// SetAttendance records the user's choice for the event, replacing any
// previous choice. Setting the same choice again succeeds without
// writing to the store, and the returned bool is false.
func (r *Registry) SetAttendance(
	ctx context.Context,
	eventID string,
	userID string,
	choice RSVPChoice,
) (Event, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Event{}, false, newValidationError("user_id", "must not be empty")
	}
	if !choice.Valid() {
		return Event{}, false, newValidationError(
			"choice",
			"unknown RSVP choice %q",
			choice,
		)
	}

	event, changed, err := r.update(
		ctx, eventID, func(e *Event) (bool, error) {
			if e.Cancelled {
				return false, ErrEventCancelled
			}
			if current, ok := e.RSVPs[userID]; ok && current.Choice == choice {
				return false, nil
			}
			e.RSVPs[userID] = RSVP{
				UserID:    userID,
				Choice:    choice,
				UpdatedAt: normalizeTime(r.now()),
			}
			return true, nil
		},
	)
	if err != nil {
		return event, false, err
	}
	if changed {
		r.logger.InfoContext(
			ctx,
			"updated attendance",
			"event_id", eventID,
			"user_id", userID,
			"choice", choice,
		)
	}
	return event, changed, nil
}
