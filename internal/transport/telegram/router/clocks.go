package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tickbot/internal/model"
	"tickbot/internal/scheduler"
	"tickbot/internal/timeline"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

// ClockService is the scheduler front-end used by the clock commands.
type ClockService interface {
	CreateTimeline(ctx context.Context, cfg timeline.CreateConfig) (model.Timeline, model.TickEvent, error)
	TimelineByID(ctx context.Context, id int64) (model.Timeline, error)
	TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error)
	NextTick(timelineID int64) (model.TickEvent, bool)
	Resume(ctx context.Context, timelineID int64) (model.TickEvent, error)
}

// EventCounter reports tick history for /info.
type EventCounter interface {
	CountEvents(ctx context.Context, timelineID int64, status model.Status) (int64, error)
}

// Clocks implements the role-play clock commands. Timelines belong to the
// chat they were created in.
type Clocks struct {
	Service ClockService
	Events  EventCounter
	Now     func() time.Time
}

func (c *Clocks) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Commands returns the command set served by c.
func (c *Clocks) Commands() []Command {
	return []Command{
		{
			Name:        "date",
			Aliases:     []string{"time", "now"},
			Description: "current in-universe time",
			Usage:       "/date [id]",
			Handle:      c.handleDate,
		},
		{
			Name:        "info",
			Description: "clock details and next update",
			Usage:       "/info [id]",
			Handle:      c.handleInfo,
		},
		{
			Name:        "clocks",
			Aliases:     []string{"list"},
			Description: "list clocks in this chat",
			Usage:       "/clocks",
			Handle:      c.handleList,
		},
		{
			Name:        "newclock",
			Description: "create a clock announced in this chat",
			Usage:       "/newclock <name> <start> <amount> <unit> <real-interval> [--universe <name>] [--silent]",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      c.handleNew,
		},
		{
			Name:        "resume",
			Description: "restart a stalled clock",
			Usage:       "/resume <id>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      c.handleResume,
		},
	}
}

// pick resolves the timeline a read command refers to: an explicit id of a
// clock in this chat, or the oldest clock of the chat.
func (c *Clocks) pick(ctx context.Context, req *Request) (model.Timeline, error) {
	if len(req.Args) > 0 {
		id, err := parseID(req.Args[0])
		if err != nil {
			return model.Timeline{}, &UserError{Msg: err.Error()}
		}
		tl, err := c.Service.TimelineByID(ctx, id)
		if errors.Is(err, timeline.ErrTimelineNotFound) {
			return model.Timeline{}, userErrorf("No clock #%d.", id)
		}
		if err != nil {
			return model.Timeline{}, err
		}
		// Other chats' clocks read as missing; bot owners see all of them.
		if tl.OwnerID != req.Chat.ChatID && !req.IsOwner {
			return model.Timeline{}, userErrorf("No clock #%d.", id)
		}
		return tl, nil
	}
	tls, err := c.Service.TimelinesForOwner(ctx, req.Chat.ChatID)
	if err != nil {
		return model.Timeline{}, err
	}
	if len(tls) == 0 {
		return model.Timeline{}, userErrorf("No clock in this chat yet. An owner can create one with /newclock.")
	}
	return tls[0], nil
}

func (c *Clocks) untilNext(tl model.Timeline) (string, bool) {
	ev, ok := c.Service.NextTick(tl.ID)
	if !ok {
		return "", false
	}
	return tl.UntilNext(c.now(), ev.DueAt), true
}

func (c *Clocks) handleDate(ctx context.Context, req *Request) error {
	tl, err := c.pick(ctx, req)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Current time in %s is %s.", tl.Name, tl.CurrentLabel())
	if until, ok := c.untilNext(tl); ok {
		text += "\nNext update is in " + until + "."
	} else {
		text += "\nUpdates are paused."
	}
	return req.Reply(ctx, text)
}

func (c *Clocks) handleInfo(ctx context.Context, req *Request) error {
	tl, err := c.pick(ctx, req)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Clock #%d: %s\n", tl.ID, tl.Name)
	if tl.Universe != "" {
		fmt.Fprintf(&b, "Universe: %s\n", tl.Universe)
	}
	fmt.Fprintf(&b, "Current date: %s\n", tl.CurrentLabel())
	fmt.Fprintf(&b, "Update frequency: %s\n", timeunit.FormatDuration(tl.TickReal, timeunit.DefaultMaxParts))
	if until, ok := c.untilNext(tl); ok {
		fmt.Fprintf(&b, "Next update: %s to %s, in %s\n", tl.TickSimulated, tl.NextLabel(), until)
	} else {
		fmt.Fprintf(&b, "Next update: paused (owners can /resume %d)\n", tl.ID)
	}
	if c.Events != nil {
		if n, err := c.Events.CountEvents(ctx, tl.ID, model.StatusCompleted); err == nil {
			fmt.Fprintf(&b, "Updates so far: %s\n", humanize.Comma(n))
		} else {
			req.Logger.Debug("count events failed", logx.Err(err))
		}
	}
	if tl.Target == nil {
		b.WriteString("Announcements: off\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Clocks) handleList(ctx context.Context, req *Request) error {
	tls, err := c.Service.TimelinesForOwner(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(tls) == 0 {
		return req.Reply(ctx, "No clocks in this chat.")
	}
	var b strings.Builder
	b.WriteString("Clocks in this chat:\n")
	for _, tl := range tls {
		fmt.Fprintf(&b, "#%d %s: %s (+%s every %s)\n",
			tl.ID, tl.Name, tl.CurrentLabel(), tl.TickSimulated,
			timeunit.FormatDuration(tl.TickReal, timeunit.DefaultMaxParts))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

const newClockUsage = "Usage: /newclock <name> <start> <amount> <unit> <real-interval>\n" +
	"Example: /newclock \"Old Valyria\" 0300-01-01 1 day 1h"

// parseNewClock turns /newclock arguments into a CreateConfig owned by the
// request chat.
func parseNewClock(req *Request) (timeline.CreateConfig, error) {
	if len(req.Args) != 5 {
		return timeline.CreateConfig{}, &UserError{Msg: newClockUsage}
	}
	start, err := parseStart(req.Args[1])
	if err != nil {
		return timeline.CreateConfig{}, &UserError{Msg: err.Error()}
	}
	amount, err := strconv.ParseInt(req.Args[2], 10, 64)
	if err != nil || amount <= 0 {
		return timeline.CreateConfig{}, userErrorf("amount must be a positive whole number (got %q)", req.Args[2])
	}
	unit, err := timeunit.ParseUnit(req.Args[3])
	if err != nil {
		return timeline.CreateConfig{}, userErrorf("unknown unit %q; use second, minute, hour, day, week, month or year", req.Args[3])
	}
	every, err := parseRealInterval(req.Args[4])
	if err != nil {
		return timeline.CreateConfig{}, &UserError{Msg: err.Error()}
	}

	cfg := timeline.CreateConfig{
		OwnerID:       req.Chat.ChatID,
		Name:          req.Args[0],
		Universe:      strings.TrimSpace(req.Flags["universe"]),
		Start:         start,
		TickSimulated: model.Interval{Amount: amount, Unit: unit},
		TickReal:      every,
	}
	if !req.BoolFlags["silent"] {
		cfg.Target = &model.Target{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	}
	return cfg, nil
}

func (c *Clocks) handleNew(ctx context.Context, req *Request) error {
	cfg, err := parseNewClock(req)
	if err != nil {
		return err
	}
	req.AuditTarget = cfg.Name

	tl, ev, err := c.Service.CreateTimeline(ctx, cfg)
	switch {
	case errors.Is(err, timeline.ErrInvalidConfig):
		return &UserError{Msg: err.Error()}
	case err != nil && tl.ID == 0:
		return err
	}
	req.AuditTarget = fmt.Sprintf("#%d %s", tl.ID, tl.Name)

	text := fmt.Sprintf("Created clock #%d %s. Current time: %s.", tl.ID, tl.Name, tl.CurrentLabel())
	if err != nil {
		// Created but the first tick could not be queued.
		req.Logger.Warn("first tick not scheduled", logx.Err(err))
		text += fmt.Sprintf("\nThe first update could not be scheduled; try /resume %d.", tl.ID)
		return &UserError{Msg: text}
	}
	text += "\nFirst update in " + tl.UntilNext(c.now(), ev.DueAt) + "."
	return req.Reply(ctx, text)
}

func (c *Clocks) handleResume(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return &UserError{Msg: "Usage: /resume <id>"}
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return &UserError{Msg: err.Error()}
	}
	req.AuditTarget = "#" + strconv.FormatInt(id, 10)

	_, err = c.Service.Resume(ctx, id)
	switch {
	case errors.Is(err, timeline.ErrTimelineNotFound):
		return userErrorf("No clock #%d.", id)
	case errors.Is(err, scheduler.ErrAlreadyPending):
		return userErrorf("Clock #%d is not stalled; it already has an update queued.", id)
	case errors.Is(err, scheduler.ErrNotRunning):
		return userErrorf("The scheduler is not running.")
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Clock #%d resumed; the next update is due now.", id))
}
