package cmd

import (
	"fmt"
	"github.com/arcward/rsvpbot/rsvpbot"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"io"
	"log"
	"text/tabwriter"
	"time"
)

var (
	eventsGuildID    string
	eventsIncludeAll bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect stored events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list [flags]",
	Short: "List stored events",
	Long: "Lists upcoming, non-cancelled events from the database. " +
		"Use --all to include past and cancelled events.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		db, err := rsvpbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		store := rsvpbot.NewDatabase(db, nil, false)

		var events []rsvpbot.Event
		if eventsGuildID != "" {
			events, err = store.LoadGuild(ctx, eventsGuildID)
		} else {
			events, err = store.LoadAll(ctx)
		}
		if err != nil {
			log.Fatalf("Error loading events: %v", err)
		}

		if err = writeEventTable(
			cmd.OutOrStdout(),
			filterEvents(events, time.Now(), eventsIncludeAll),
			time.Now(),
		); err != nil {
			log.Fatalf("Error writing events: %v", err)
		}
	},
}

func filterEvents(events []rsvpbot.Event, now time.Time, all bool) []rsvpbot.Event {
	if all {
		return events
	}
	upcoming := make([]rsvpbot.Event, 0, len(events))
	for _, e := range events {
		if !e.Cancelled && e.StartTime.After(now) {
			upcoming = append(upcoming, e)
		}
	}
	return upcoming
}

func writeEventTable(w io.Writer, events []rsvpbot.Event, now time.Time) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No events found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tGUILD\tSTART (UTC)\tWHEN\tATTENDING\tMAYBE\tSTATUS")
	for _, e := range events {
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID,
			e.Title,
			e.GuildID,
			e.StartTime.UTC().Format("2006-01-02 15:04"),
			humanize.RelTime(e.StartTime, now, "ago", "from now"),
			len(e.Attending()),
			len(e.Maybe()),
			eventStatus(e, now),
		)
	}
	return tw.Flush()
}

func eventStatus(e rsvpbot.Event, now time.Time) string {
	switch {
	case e.Cancelled:
		return "cancelled"
	case e.Ended(now):
		return "ended"
	case e.ReminderSent:
		return "reminded"
	default:
		return "scheduled"
	}
}

func init() {
	eventsListCmd.Flags().StringVar(
		&eventsGuildID,
		"guild",
		"",
		"Only list events in this guild",
	)
	eventsListCmd.Flags().BoolVar(
		&eventsIncludeAll,
		"all",
		false,
		"Include past and cancelled events",
	)
	eventsCmd.AddCommand(eventsListCmd)
	rootCmd.AddCommand(eventsCmd)
}
