package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickbot/internal/model"
	"tickbot/internal/timeline"
	logx "tickbot/pkg/logx"
)

// Announcement is the message sent to a timeline's target after a tick.
func Announcement(tl model.Timeline) string {
	return fmt.Sprintf("Time in %s is now %s.", tl.Name, tl.CurrentLabel())
}

// ticksPassed returns ceil(elapsed/interval), at least 1. Missed intervals
// collapse into a single advancement.
func ticksPassed(elapsed, interval time.Duration) int64 {
	if interval <= 0 || elapsed <= 0 {
		return 1
	}
	n := int64(elapsed / interval)
	if elapsed%interval != 0 {
		n++
	}
	return max(n, 1)
}

// execute runs one due event: advance and persist the timeline, announce,
// mark the event completed, then chain the next tick. A failure before the
// completion mark marks the event failed and the timeline is not chained.
func (s *Service) execute(ctx context.Context, ev model.TickEvent) {
	start := time.Now()
	log := s.log.With(logx.Int64("tick_id", ev.ID), logx.Int64("timeline_id", ev.TimelineID))

	var (
		tl    model.Timeline
		ticks int64
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		tl, ticks, err = s.advance(ctx, ev)
		if err == nil {
			s.announce(ctx, log, tl)
		}
	}()
	if err != nil {
		if errors.Is(err, timeline.ErrTimelineNotFound) {
			log.Warn("tick timeline missing; marking failed", logx.Err(err))
		} else {
			log.Error("tick failed; timeline stalls until resumed", logx.Err(err))
		}
		s.markFailed(ctx, log, ev, err)
		return
	}

	if err := s.store.UpdateEventStatus(ctx, ev.ID, model.StatusCompleted); err != nil {
		// The timeline already advanced. The row stays pending; Resume or the
		// next Start retries the completion write instead of replaying it.
		log.Error("tick executed but completion not persisted; not chaining", logx.Err(err))
		s.mu.Lock()
		s.unsettled[ev.ID] = ev.TimelineID
		s.mu.Unlock()
		s.failed.Add(1)
		s.publish(EventTickFailed, TickInfo{EventID: ev.ID, TimelineID: ev.TimelineID, DueAt: ev.DueAt, Ticks: ticks, Error: err.Error()})
		return
	}
	s.executed.Add(1)
	s.publish(EventTickCompleted, TickInfo{EventID: ev.ID, TimelineID: ev.TimelineID, DueAt: ev.DueAt, Ticks: ticks})

	nextDue := ev.DueAt.Add(time.Duration(ticks) * tl.TickReal)
	log.Info("tick executed",
		logx.Int64("ticks", ticks),
		logx.String("now", tl.CurrentLabel()),
		logx.Time("next_due", nextDue),
		logx.Duration("took", time.Since(start)),
	)

	if _, err := s.Schedule(ctx, model.TickEvent{TimelineID: tl.ID, DueAt: nextDue}); err != nil {
		log.Error("next tick not scheduled; timeline stalls until resumed", logx.Err(err))
		s.publish(EventTimelineStalled, TickInfo{TimelineID: tl.ID, Error: err.Error()})
	}
}

func (s *Service) advance(ctx context.Context, ev model.TickEvent) (model.Timeline, int64, error) {
	tl, err := s.timelines.TimelineByID(ctx, ev.TimelineID)
	if err != nil {
		return tl, 0, err
	}
	ticks := ticksPassed(s.cfg.Now().Sub(ev.DueAt), tl.TickReal)
	tl, err = s.timelines.Advance(ctx, tl, ticks)
	return tl, ticks, err
}

// announce is best-effort: failures are logged and never fail the tick.
func (s *Service) announce(ctx context.Context, log logx.Logger, tl model.Timeline) {
	if tl.Target == nil || s.notify == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.notify.Send(nctx, *tl.Target, Announcement(tl)); err != nil {
		log.Warn("tick announcement failed", logx.Int64("chat_id", tl.Target.ChatID), logx.Err(err))
	}
}

func (s *Service) markFailed(ctx context.Context, log logx.Logger, ev model.TickEvent, cause error) {
	s.failed.Add(1)
	if err := s.store.UpdateEventStatus(ctx, ev.ID, model.StatusFailed); err != nil {
		log.Error("failed tick status not persisted", logx.Err(err))
	}
	s.publish(EventTickFailed, TickInfo{EventID: ev.ID, TimelineID: ev.TimelineID, DueAt: ev.DueAt, Error: cause.Error()})
	s.publish(EventTimelineStalled, TickInfo{TimelineID: ev.TimelineID, Error: cause.Error()})
}
