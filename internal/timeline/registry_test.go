package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickbot/internal/model"
	"tickbot/internal/storage"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logx.Nop())
}

func validConfig() CreateConfig {
	return CreateConfig{
		OwnerID:       10,
		Name:          " Westeros ",
		Start:         time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		TickSimulated: model.Interval{Amount: 1, Unit: timeunit.Day},
		TickReal:      time.Hour,
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*CreateConfig)
	}{
		{"empty name", func(c *CreateConfig) { c.Name = "  " }},
		{"zero amount", func(c *CreateConfig) { c.TickSimulated.Amount = 0 }},
		{"unknown unit", func(c *CreateConfig) { c.TickSimulated.Unit = 0 }},
		{"real tick too short", func(c *CreateConfig) { c.TickReal = 500 * time.Millisecond }},
		{"fractional seconds", func(c *CreateConfig) { c.TickReal = 1500 * time.Millisecond }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			cfg := validConfig()
			tt.mutate(&cfg)
			if _, err := r.Create(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Create err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCreateAndLookup(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	tl, err := r.Create(ctx, validConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tl.Name != "Westeros" {
		t.Fatalf("Name = %q, want trimmed", tl.Name)
	}
	got, err := r.TimelineByID(ctx, tl.ID)
	if err != nil || got.ID != tl.ID {
		t.Fatalf("TimelineByID = %+v, %v", got, err)
	}
	if _, err := r.TimelineByID(ctx, tl.ID+1); !errors.Is(err, ErrTimelineNotFound) {
		t.Fatalf("TimelineByID(missing) err = %v, want ErrTimelineNotFound", err)
	}
	owned, err := r.TimelinesForOwner(ctx, 10)
	if err != nil || len(owned) != 1 {
		t.Fatalf("TimelinesForOwner = %+v, %v", owned, err)
	}
}

func TestAdvancePersists(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	ctx := context.Background()
	tl, err := r.Create(ctx, validConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tl, err = r.Advance(ctx, tl, 4)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	want := time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
	if !tl.SimulatedTime.Equal(want) {
		t.Fatalf("SimulatedTime = %v, want %v", tl.SimulatedTime, want)
	}
	stored, err := r.TimelineByID(ctx, tl.ID)
	if err != nil {
		t.Fatalf("TimelineByID: %v", err)
	}
	if !stored.SimulatedTime.Equal(want) {
		t.Fatalf("stored SimulatedTime = %v, want %v", stored.SimulatedTime, want)
	}
}

func TestAdvanceRejectsNonPositiveTicks(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	tl, err := r.Create(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Advance(context.Background(), tl, 0); !errors.Is(err, timeunit.ErrInvalidArgument) {
		t.Fatalf("Advance(0) err = %v, want ErrInvalidArgument", err)
	}
}

func TestAdvanceMissingTimeline(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	tl := model.Timeline{
		ID:            77,
		SimulatedTime: time.Unix(0, 0).UTC(),
		TickSimulated: model.Interval{Amount: 1, Unit: timeunit.Month},
		TickReal:      time.Hour,
	}
	if _, err := r.Advance(context.Background(), tl, 1); !errors.Is(err, ErrTimelineNotFound) {
		t.Fatalf("Advance err = %v, want ErrTimelineNotFound", err)
	}
}
