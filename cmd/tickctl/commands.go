package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"tickbot/internal/model"
	"tickbot/internal/storage"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

const opTimeout = 10 * time.Second

var errNotStalled = errors.New("timeline already has a pending tick")

func newApp(out io.Writer, now func() time.Time) *cli.App {
	app := cli.NewApp()
	app.Name = "tickctl"
	app.HelpName = "tickctl"
	app.Usage = "inspect and repair tickbot clocks"
	app.UsageText = "tickctl [--db path] <command> [arguments...]"
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "db, d",
			Usage:  "path to the tickbot SQLite database",
			Value:  "./tickbot.db",
			EnvVar: "TICKBOT_DB",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:    "timelines",
			Aliases: []string{"ls"},
			Usage:   "list every clock with its current time",
			Action: func(c *cli.Context) error {
				return withStore(c, func(ctx context.Context, st storage.Store) error {
					return listTimelines(ctx, st, out)
				})
			},
		},
		{
			Name:      "events",
			Usage:     "show recent ticks of a clock",
			ArgsUsage: "<timeline-id>",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit, n", Value: 20, Usage: "number of events to show (0 = all)"},
			},
			Action: func(c *cli.Context) error {
				id, err := timelineArg(c)
				if err != nil {
					return err
				}
				return withStore(c, func(ctx context.Context, st storage.Store) error {
					return listEvents(ctx, st, out, id, c.Int("limit"), now())
				})
			},
		},
		{
			Name:      "resume",
			Usage:     "queue a tick due now for a stalled clock (picked up on the next bot start)",
			ArgsUsage: "<timeline-id>",
			Action: func(c *cli.Context) error {
				id, err := timelineArg(c)
				if err != nil {
					return err
				}
				return withStore(c, func(ctx context.Context, st storage.Store) error {
					ev, err := resumeTimeline(ctx, st, id, now())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "queued tick %d for timeline %d at %s\n", ev.ID, id, ev.DueAt.Format(time.RFC3339))
					return nil
				})
			},
		},
	}
	return app
}

func timelineArg(c *cli.Context) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.Args().First()), "#")
	if raw == "" {
		return 0, errors.New("missing <timeline-id>")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid timeline id %q", c.Args().First())
	}
	return id, nil
}

func withStore(c *cli.Context, fn func(ctx context.Context, st storage.Store) error) error {
	path := strings.TrimSpace(c.GlobalString("db"))
	if path == "" {
		return errors.New("--db is required")
	}
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return fn(ctx, st)
}

func listTimelines(ctx context.Context, st storage.Store, out io.Writer) error {
	tls, err := st.Timelines(ctx)
	if err != nil {
		return err
	}
	if len(tls) == 0 {
		fmt.Fprintln(out, "no timelines")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAT\tNAME\tCURRENT\tSTEP\tEVERY\tTICKS\tPENDING")
	for _, tl := range tls {
		done, err := st.CountEvents(ctx, tl.ID, model.StatusCompleted)
		if err != nil {
			return err
		}
		pending, err := st.CountEvents(ctx, tl.ID, model.StatusPending)
		if err != nil {
			return err
		}
		state := "yes"
		if pending == 0 {
			state = "STALLED"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tl.ID, tl.OwnerID, tl.Name, tl.CurrentLabel(), tl.TickSimulated,
			timeunit.FormatDuration(tl.TickReal, timeunit.DefaultMaxParts),
			humanize.Comma(done), state)
	}
	return tw.Flush()
}

func listEvents(ctx context.Context, st storage.Store, out io.Writer, id int64, limit int, now time.Time) error {
	if _, err := st.Timeline(ctx, id); err != nil {
		return err
	}
	evs, err := st.EventsForTimeline(ctx, id, limit)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Fprintf(out, "timeline %d has no events\n", id)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDUE\tSTATUS\tUPDATED")
	for _, ev := range evs {
		due := ev.DueAt.Format(time.RFC3339)
		if ev.Status == model.StatusPending {
			due += " (in " + timeunit.FormatDuration(ev.DueAt.Sub(now), timeunit.DefaultMaxParts) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.ID, due, ev.Status, humanize.Time(ev.UpdatedAt))
	}
	return tw.Flush()
}

// resumeTimeline inserts a pending tick due at now when the timeline has
// none. A running bot only recovers it on its next start; use /resume for a
// live bot.
func resumeTimeline(ctx context.Context, st storage.Store, id int64, now time.Time) (model.TickEvent, error) {
	tl, err := st.Timeline(ctx, id)
	if err != nil {
		return model.TickEvent{}, err
	}
	n, err := st.CountEvents(ctx, id, model.StatusPending)
	if err != nil {
		return model.TickEvent{}, err
	}
	if n > 0 {
		return model.TickEvent{}, fmt.Errorf("timeline %d: %w", id, errNotStalled)
	}
	ev, err := st.InsertEvent(ctx, model.TickEvent{TimelineID: tl.ID, DueAt: now.UTC().Truncate(time.Second), Status: model.StatusPending})
	if err != nil {
		return ev, err
	}
	_ = st.AppendAudit(ctx, storage.AuditEntry{
		At:      now.UTC(),
		Command: "tickctl resume",
		Target:  "#" + strconv.FormatInt(id, 10) + " " + tl.Name,
		OK:      true,
	})
	return ev, nil
}
