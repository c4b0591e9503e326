// Package sqlite journals pipeline runs, per-strip alignment events and
// registration cycles into a sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanalign/internal/pipeline"
)

// ErrRunNotFound is returned when a run ID has no journal row.
var ErrRunNotFound = errors.New("run not found")

// Store is the journal database. It implements pipeline.Journal.
type Store struct {
	*sql.DB
	path string
}

var _ pipeline.Journal = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path is the file the store was opened from.
func (s *Store) Path() string { return s.path }

func (s *Store) StartRun(ctx context.Context, info pipeline.RunInfo) error {
	cfg := string(info.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, config_json) VALUES (?, ?, ?)`,
		info.ID, info.StartedAt.UnixNano(), cfg)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) RecordStrip(ctx context.Context, ev pipeline.StripEvent) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO strip_events (
			run_id, strip_id, position, direction, accepted,
			offset_x, offset_y, confidence, composite_height,
			elapsed_ns, recorded_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, int64(ev.StripID), ev.Position, ev.Direction.String(), ev.Accepted,
		ev.Alignment.OffsetX, ev.Alignment.OffsetY, ev.Alignment.Confidence, ev.Height,
		int64(ev.Elapsed), ev.At.UnixNano(), ev.Error)
	if err != nil {
		return fmt.Errorf("failed to insert strip event %d: %w", ev.StripID, err)
	}
	return nil
}

func (s *Store) RecordCycle(ctx context.Context, ev pipeline.CycleEvent) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO registration_cycles (
			run_id, cycle, composite_height, registered, confidence,
			tiles, memory_budget, replans, sent, elapsed_ns, recorded_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Cycle, ev.Height, ev.Registered, ev.Confidence,
		ev.Tiles, ev.MemoryBudget, ev.Replans, ev.Sent, int64(ev.Elapsed), ev.At.UnixNano(), ev.Error)
	if err != nil {
		return fmt.Errorf("failed to insert cycle %d: %w", ev.Cycle, err)
	}
	return nil
}

func (s *Store) EndRun(ctx context.Context, runID string, st pipeline.RunStats, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.ExecContext(ctx, `
		UPDATE runs SET
			ended_at = ?, strips_acquired = ?, strips_dropped = ?, strips_processed = ?,
			strips_accepted = ?, strips_rejected = ?, cycles = ?, outputs_sent = ?,
			replans = ?, composite_height = ?, memory_budget = ?, error = ?
		WHERE run_id = ?`,
		time.Now().UnixNano(), st.StripsAcquired, st.StripsDropped, st.StripsProcessed,
		st.StripsAccepted, st.StripsRejected, st.Cycles, st.OutputsSent,
		st.Replans, st.CompositeHeight, st.MemoryBudget, msg, runID)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
