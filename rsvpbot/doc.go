// Package rsvpbot implements a Discord bot for scheduling events within a
// server, collecting RSVPs and reminding attendees before events start.
//
// Key components of the package include:
//
//   - Bot: Ties the components together, and manages startup and shutdown.
//   - Registry: The authoritative, concurrency-safe set of events. Every
//     change is written to the Store before it becomes visible.
//   - ReminderScheduler: Periodically sends a one-time reminder for each
//     event about to start, via a Notifier.
//   - Discord: Manages the gateway session and slash commands.
//   - API: A read-only HTTP view of events, including iCalendar exports.
//
// The bot supports these commands:
//
//   - /createevent: Creates an event, with RSVP buttons.
//   - /events: Lists upcoming events in the server.
//   - /eventinfo: Shows an event's details and attendees, with an .ics file.
//   - /cancelevent: Cancels an event (owner or server administrators only).
//   - /rsvp: Responds to an event, as an alternative to the buttons.
//
// All times are UTC.
package rsvpbot
