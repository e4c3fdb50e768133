package rsvpbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	eventIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	eventIDLength   = 10

	// maxIDAttempts bounds ID regeneration when a generated ID is
	// already taken
	maxIDAttempts = 5
)

// Registry is the authoritative in-memory set of events. All reads and
// writes go through it.
//
// Mutations of a single event are serialized by that event's own lock,
// and are persisted to the Store before becoming visible. If the Store
// write fails, the in-memory event is left as it was. Mutations of
// different events proceed independently.
type Registry struct {
	mu     sync.RWMutex
	events map[string]*registryEntry

	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() (string, error)
}

type registryEntry struct {
	// mu serializes mutations of this event, and is held across the
	// Store write
	mu sync.Mutex

	// event and pending are guarded by Registry.mu
	event Event

	// pending is true while the event is being created. Pending
	// entries are invisible to readers.
	pending bool
}

// NewRegistry returns an empty registry backed by store. Call Load to
// populate it from the store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: map[string]*registryEntry{},
		store:  store,
		logger: logger.With(loggerNameKey, "registry"),
		now:    time.Now,
		newID:  newEventID,
	}
}

func newEventID() (string, error) {
	return gonanoid.Generate(eventIDAlphabet, eventIDLength)
}

// Load replaces the registry's contents with every event in the store
func (r *Registry) Load(ctx context.Context) error {
	events, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	loaded := make(map[string]*registryEntry, len(events))
	for _, e := range events {
		e = e.Clone()
		loaded[e.ID] = &registryEntry{event: e}
	}

	r.mu.Lock()
	r.events = loaded
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "loaded events", "count", len(loaded))
	return nil
}

// Create validates the request, assigns a new ID and persists the event.
func (r *Registry) Create(ctx context.Context, req NewEvent) (Event, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)

	if err := structValidator.Struct(req); err != nil {
		return Event{}, eventValidationError(err)
	}

	now := normalizeTime(r.now())
	start := normalizeTime(req.StartTime)
	if !start.After(now) {
		return Event{}, newValidationError(
			"start_time",
			"must be in the future (got %s)",
			start.Format(time.RFC3339),
		)
	}

	event := Event{
		Title:           req.Title,
		Description:     req.Description,
		OwnerID:         req.OwnerID,
		GuildID:         req.GuildID,
		ChannelID:       req.ChannelID,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       now,
		RSVPs:           map[string]RSVP{},
	}

	ent := &registryEntry{pending: true}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	id, err := r.reserveID(ent)
	if err != nil {
		return Event{}, err
	}
	event.ID = id

	if err = r.store.Upsert(ctx, event); err != nil {
		r.mu.Lock()
		delete(r.events, id)
		r.mu.Unlock()
		return Event{}, err
	}

	r.mu.Lock()
	ent.event = event
	ent.pending = false
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "created event", "event", event)
	return event.Clone(), nil
}

// reserveID generates an unused ID and claims it for ent
func (r *Registry) reserveID(ent *registryEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < maxIDAttempts; i++ {
		id, err := r.newID()
		if err != nil {
			return "", fmt.Errorf("error generating event id: %w", err)
		}
		if _, exists := r.events[id]; exists {
			r.logger.Warn("generated duplicate event id", "event_id", id)
			continue
		}
		r.events[id] = ent
		return id, nil
	}
	return "", fmt.Errorf(
		"unable to generate a unique event id after %d attempts",
		maxIDAttempts,
	)
}

// Get returns a copy of the event with the given ID
func (r *Registry) Get(id string) (Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, ok := r.events[id]
	if !ok || ent.pending {
		return Event{}, ErrEventNotFound
	}
	return ent.event.Clone(), nil
}

// Len returns the number of events, including cancelled ones
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ent := range r.events {
		if !ent.pending {
			n++
		}
	}
	return n
}

// List returns the guild's non-cancelled events, ordered by start time.
// The returned slice is a fresh copy.
func (r *Registry) List(guildID string) []Event {
	return r.collect(
		func(e Event) bool {
			return e.GuildID == guildID && !e.Cancelled
		},
	)
}

// Upcoming returns the guild's non-cancelled events which haven't started
// as of now, ordered by start time.
func (r *Registry) Upcoming(guildID string, now time.Time) []Event {
	return r.collect(
		func(e Event) bool {
			return e.GuildID == guildID && !e.Cancelled && e.StartTime.After(now)
		},
	)
}

// DueForReminder returns a snapshot of events whose reminder should be
// sent as of now: not cancelled, not yet reminded, within offset of
// starting, and not yet ended.
func (r *Registry) DueForReminder(now time.Time, offset time.Duration) []Event {
	return r.collect(
		func(e Event) bool {
			return reminderDue(e, now, offset)
		},
	)
}

func reminderDue(e Event, now time.Time, offset time.Duration) bool {
	if e.Cancelled || e.ReminderSent {
		return false
	}
	if now.Before(e.StartTime.Add(-offset)) {
		return false
	}
	return !e.Ended(now)
}

func (r *Registry) collect(match func(e Event) bool) []Event {
	r.mu.RLock()
	events := make([]Event, 0, len(r.events))
	for _, ent := range r.events {
		if ent.pending || !match(ent.event) {
			continue
		}
		events = append(events, ent.event.Clone())
	}
	r.mu.RUnlock()

	sortEvents(events)
	return events
}

func sortEvents(events []Event) {
	sort.Slice(
		events, func(i, j int) bool {
			a, b := events[i], events[j]
			if !a.StartTime.Equal(b.StartTime) {
				return a.StartTime.Before(b.StartTime)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		},
	)
}

// Cancel marks the event as cancelled. Only the event's owner, or an
// admin, may cancel it. Cancelling an already-cancelled event succeeds
// without changes, in which case the returned bool is false.
func (r *Registry) Cancel(
	ctx context.Context,
	id string,
	requesterID string,
	requesterIsAdmin bool,
) (Event, bool, error) {
	event, changed, err := r.update(
		ctx, id, func(e *Event) (bool, error) {
			if e.OwnerID != requesterID && !requesterIsAdmin {
				return false, ErrForbidden
			}
			if e.Cancelled {
				return false, nil
			}
			e.Cancelled = true
			return true, nil
		},
	)
	if err != nil {
		return event, false, err
	}
	if changed {
		r.logger.InfoContext(
			ctx,
			"cancelled event",
			"event", event,
			"requester_id", requesterID,
			"requester_is_admin", requesterIsAdmin,
		)
	}
	return event, changed, nil
}

// MarkReminderSent records that the event's reminder was delivered
func (r *Registry) MarkReminderSent(ctx context.Context, id string) (Event, error) {
	event, _, err := r.update(
		ctx, id, func(e *Event) (bool, error) {
			if e.ReminderSent {
				return false, nil
			}
			e.ReminderSent = true
			return true, nil
		},
	)
	return event, err
}

// update applies fn to a copy of the event, persists the copy if fn
// reports a change, and only then makes it visible. If fn returns an
// error or no change, the current event is returned untouched.
func (r *Registry) update(
	ctx context.Context,
	id string,
	fn func(e *Event) (changed bool, err error),
) (Event, bool, error) {
	r.mu.RLock()
	ent, ok := r.events[id]
	r.mu.RUnlock()
	if !ok {
		return Event{}, false, ErrEventNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	r.mu.RLock()
	if ent.pending {
		// creation failed while we were waiting on the lock
		r.mu.RUnlock()
		return Event{}, false, ErrEventNotFound
	}
	next := ent.event.Clone()
	r.mu.RUnlock()

	changed, err := fn(&next)
	if err != nil || !changed {
		return r.mustGet(ent), false, err
	}

	if err = r.store.Upsert(ctx, next); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error persisting event, discarding change",
			"event_id", id,
			tint.Err(err),
		)
		return r.mustGet(ent), false, err
	}

	r.mu.Lock()
	ent.event = next
	r.mu.Unlock()

	return next.Clone(), true, nil
}

func (r *Registry) mustGet(ent *registryEntry) Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ent.event.Clone()
}

// eventValidationError converts struct validation failures on NewEvent
// into a *ValidationError for the first failing field.
func eventValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return newValidationError("event", "%s", err.Error())
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return newValidationError(fe.Field(), "must not be empty")
	case "min":
		return newValidationError(fe.Field(), "must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return newValidationError(
				fe.Field(),
				"must be at most %s characters",
				fe.Param(),
			)
		}
		return newValidationError(fe.Field(), "must be at most %s", fe.Param())
	default:
		return newValidationError(fe.Field(), "failed %q validation", fe.Tag())
	}
}
