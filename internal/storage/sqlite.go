package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tickbot/internal/model"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// dsnPathEscaper escapes the characters that end the path part of a SQLite
// URI filename; SQLite percent-decodes the path on open.
var dsnPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// sqliteDSN builds a URI filename. Pragmas in the DSN apply to every
// connection the pool opens.
func sqliteDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		dsnPathEscaper.Replace(path), busy.Milliseconds())
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, wrapErr("open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("driver", "sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrapErr("migrate", err)
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) write(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

// ---------------------------------------------------------------------------
// Tick events
// ---------------------------------------------------------------------------

const eventColumns = `id, timeline_id, due_at, status, created_at, updated_at`

func (s *sqliteStore) InsertEvent(ctx context.Context, ev model.TickEvent) (model.TickEvent, error) {
	if s == nil || s.db == nil {
		return ev, ErrDisabled
	}
	if ev.Status == "" {
		ev.Status = model.StatusPending
	}
	if !ev.Status.Valid() {
		return ev, fmt.Errorf("insert event: unknown status %q", ev.Status)
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now

	err := s.write(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM timelines WHERE id = ?`, ev.TimelineID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("timeline %d: %w", ev.TimelineID, ErrNotFound)
			}
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tick_events(timeline_id, due_at, status, created_at, updated_at) VALUES(?,?,?,?,?)`,
			ev.TimelineID, ev.DueAt.UnixNano(), string(ev.Status), now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if ev.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ev, wrapErr("insert event", err)
	}
	ev.DueAt = ev.DueAt.UTC()
	return ev, nil
}

func (s *sqliteStore) UpdateEventStatus(ctx context.Context, id int64, status model.Status) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !status.Terminal() {
		return fmt.Errorf("event %d -> %s: %w", id, status, ErrInvalidTransition)
	}
	now := time.Now().UnixMilli()
	err := s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tick_events SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(status), now, id, string(model.StatusPending),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var cur string
		err = s.db.QueryRowContext(ctx, `SELECT status FROM tick_events WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("event %d %s -> %s: %w", id, cur, status, ErrInvalidTransition)
	})
	return wrapErr("update event status", err)
}

func (s *sqliteStore) PendingEvents(ctx context.Context) ([]model.TickEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM tick_events WHERE status = ? ORDER BY due_at, id`,
		string(model.StatusPending),
	)
	if err != nil {
		return nil, wrapErr("pending events", err)
	}
	out, err := scanEvents(rows)
	return out, wrapErr("pending events", err)
}

func (s *sqliteStore) EventsForTimeline(ctx context.Context, timelineID int64, limit int) ([]model.TickEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM tick_events WHERE timeline_id = ? ORDER BY id DESC LIMIT ?`,
		timelineID, limit,
	)
	if err != nil {
		return nil, wrapErr("timeline events", err)
	}
	out, err := scanEvents(rows)
	return out, wrapErr("timeline events", err)
}

func (s *sqliteStore) CountEvents(ctx context.Context, timelineID int64, status model.Status) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var (
		n   int64
		err error
	)
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tick_events WHERE timeline_id = ?`, timelineID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tick_events WHERE timeline_id = ? AND status = ?`, timelineID, string(status)).Scan(&n)
	}
	return n, wrapErr("count events", err)
}

func scanEvents(rows *sql.Rows) ([]model.TickEvent, error) {
	defer rows.Close()
	var out []model.TickEvent
	for rows.Next() {
		var (
			ev               model.TickEvent
			due              int64
			status           string
			created, updated int64
		)
		if err := rows.Scan(&ev.ID, &ev.TimelineID, &due, &status, &created, &updated); err != nil {
			return nil, err
		}
		ev.DueAt = time.Unix(0, due).UTC()
		ev.Status = model.Status(status)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		ev.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Timelines
// ---------------------------------------------------------------------------

const timelineColumns = `id, owner_id, name, universe, simulated_time, tick_interval_simulated_unit,
	tick_interval_simulated_amount, tick_interval_real_seconds, target_chat_id, target_thread_id, created_at`

func (s *sqliteStore) Timeline(ctx context.Context, id int64) (model.Timeline, error) {
	if s == nil || s.db == nil {
		return model.Timeline{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+timelineColumns+` FROM timelines WHERE id = ?`, id)
	tl, err := scanTimeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Timeline{}, fmt.Errorf("timeline %d: %w", id, ErrNotFound)
	}
	return tl, wrapErr("timeline", err)
}

func (s *sqliteStore) CreateTimeline(ctx context.Context, tl model.Timeline) (model.Timeline, error) {
	if s == nil || s.db == nil {
		return tl, ErrDisabled
	}
	if tl.CreatedAt.IsZero() {
		tl.CreatedAt = time.Now()
	}
	tl = normalizeTimeline(tl)
	chatID, threadID := targetColumns(tl.Target)
	err := s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO timelines(owner_id, name, universe, simulated_time, tick_interval_simulated_unit,
				tick_interval_simulated_amount, tick_interval_real_seconds, target_chat_id, target_thread_id, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			tl.OwnerID, tl.Name, tl.Universe, tl.SimulatedTime.Unix(), tl.TickSimulated.Unit.String(),
			tl.TickSimulated.Amount, int64(tl.TickReal/time.Second), chatID, threadID, tl.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		tl.ID, err = res.LastInsertId()
		return err
	})
	return tl, wrapErr("create timeline", err)
}

func (s *sqliteStore) SaveTimeline(ctx context.Context, tl model.Timeline) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tl = normalizeTimeline(tl)
	chatID, threadID := targetColumns(tl.Target)
	err := s.write(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE timelines SET owner_id = ?, name = ?, universe = ?, simulated_time = ?,
				tick_interval_simulated_unit = ?, tick_interval_simulated_amount = ?,
				tick_interval_real_seconds = ?, target_chat_id = ?, target_thread_id = ?
			 WHERE id = ?`,
			tl.OwnerID, tl.Name, tl.Universe, tl.SimulatedTime.Unix(), tl.TickSimulated.Unit.String(),
			tl.TickSimulated.Amount, int64(tl.TickReal/time.Second), chatID, threadID, tl.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("timeline %d: %w", tl.ID, ErrNotFound)
		}
		return nil
	})
	return wrapErr("save timeline", err)
}

func (s *sqliteStore) Timelines(ctx context.Context) ([]model.Timeline, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timelines ORDER BY id`)
	if err != nil {
		return nil, wrapErr("timelines", err)
	}
	out, err := scanTimelines(rows)
	return out, wrapErr("timelines", err)
}

func (s *sqliteStore) TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timelines WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, wrapErr("owner timelines", err)
	}
	out, err := scanTimelines(rows)
	return out, wrapErr("owner timelines", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimeline(row rowScanner) (model.Timeline, error) {
	var (
		tl       model.Timeline
		sim      int64
		unit     string
		realSecs int64
		chatID   sql.NullInt64
		threadID int
		created  int64
	)
	if err := row.Scan(&tl.ID, &tl.OwnerID, &tl.Name, &tl.Universe, &sim, &unit,
		&tl.TickSimulated.Amount, &realSecs, &chatID, &threadID, &created); err != nil {
		return model.Timeline{}, err
	}
	u, err := timeunit.ParseUnit(unit)
	if err != nil {
		return model.Timeline{}, fmt.Errorf("timeline %d: %w", tl.ID, err)
	}
	tl.TickSimulated.Unit = u
	tl.SimulatedTime = time.Unix(sim, 0).UTC()
	tl.TickReal = time.Duration(realSecs) * time.Second
	if chatID.Valid {
		tl.Target = &model.Target{ChatID: chatID.Int64, ThreadID: threadID}
	}
	tl.CreatedAt = time.UnixMilli(created).UTC()
	return tl, nil
}

func scanTimelines(rows *sql.Rows) ([]model.Timeline, error) {
	defer rows.Close()
	var out []model.Timeline
	for rows.Next() {
		tl, err := scanTimeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}

func targetColumns(t *model.Target) (any, int) {
	if t == nil {
		return nil, 0
	}
	return t.ChatID, t.ThreadID
}

// normalizeTimeline applies the storage resolution: simulated time and the
// real tick interval in whole seconds, times in UTC.
func normalizeTimeline(tl model.Timeline) model.Timeline {
	tl.SimulatedTime = time.Unix(tl.SimulatedTime.Unix(), 0).UTC()
	tl.TickReal = tl.TickReal.Truncate(time.Second)
	tl.CreatedAt = tl.CreatedAt.UTC()
	if tl.Target != nil {
		t := *tl.Target
		tl.Target = &t
	}
	return tl
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	err := s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, command, target, ok, err, took_ms)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
			e.Command, e.Target, ok, nullStr(e.Error), e.TookMS,
		)
		return err
	})
	return wrapErr("append audit", err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
