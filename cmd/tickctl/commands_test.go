package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"tickbot/internal/model"
	"tickbot/internal/storage"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedDB(t *testing.T, withPending bool) (string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tick.db")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	tl, err := st.CreateTimeline(ctx, model.Timeline{
		OwnerID:       -100,
		Name:          "Westeros",
		SimulatedTime: time.Date(298, 1, 1, 0, 0, 0, 0, time.UTC),
		TickSimulated: model.Interval{Amount: 1, Unit: timeunit.Day},
		TickReal:      time.Hour,
	})
	if err != nil {
		t.Fatalf("create timeline: %v", err)
	}
	if withPending {
		if _, err := st.InsertEvent(ctx, model.TickEvent{TimelineID: tl.ID, DueAt: testNow.Add(time.Hour)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path, tl.ID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out, func() time.Time { return testNow }).Run(append([]string{"tickctl"}, args...))
	return out.String(), err
}

func TestTimelinesMarksStalled(t *testing.T) {
	t.Parallel()
	path, _ := seedDB(t, false)

	out, err := run(t, "--db", path, "timelines")
	if err != nil {
		t.Fatalf("timelines: %v", err)
	}
	if !strings.Contains(out, "Westeros") || !strings.Contains(out, "STALLED") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestResumeQueuesTickOnce(t *testing.T) {
	t.Parallel()
	path, id := seedDB(t, false)
	idArg := "#" + itoa(id)

	out, err := run(t, "--db", path, "resume", idArg)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(out, "queued tick") {
		t.Fatalf("output: %q", out)
	}

	_, err = run(t, "--db", path, "resume", itoa(id))
	if !errors.Is(err, errNotStalled) {
		t.Fatalf("second resume err = %v, want errNotStalled", err)
	}

	out, err = run(t, "--db", path, "events", itoa(id))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "(in now)") {
		t.Fatalf("events output:\n%s", out)
	}
}

func TestResumeUnknownTimeline(t *testing.T) {
	t.Parallel()
	path, _ := seedDB(t, true)
	_, err := run(t, "--db", path, "resume", "999")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTimelineArgValidation(t *testing.T) {
	t.Parallel()
	path, _ := seedDB(t, true)
	for _, arg := range []string{"", "abc", "-3"} {
		args := []string{"--db", path, "events"}
		if arg != "" {
			args = append(args, arg)
		}
		if _, err := run(t, args...); err == nil {
			t.Fatalf("events %q: expected error", arg)
		}
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
