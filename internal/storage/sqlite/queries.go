package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one journalled pipeline run.
type Run struct {
	ID              string     `json:"run_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Config          string     `json:"config"`
	StripsAcquired  int        `json:"strips_acquired"`
	StripsDropped   int        `json:"strips_dropped"`
	StripsProcessed int        `json:"strips_processed"`
	StripsAccepted  int        `json:"strips_accepted"`
	StripsRejected  int        `json:"strips_rejected"`
	Cycles          int        `json:"cycles"`
	OutputsSent     int        `json:"outputs_sent"`
	Replans         int        `json:"replans"`
	CompositeHeight int        `json:"composite_height"`
	MemoryBudget    int64      `json:"memory_budget"`
	Error           string     `json:"error,omitempty"`
}

// Finished reports whether EndRun was recorded.
func (r *Run) Finished() bool { return r.EndedAt != nil }

// StripRow is a journalled strip event.
type StripRow struct {
	StripID    uint64        `json:"strip_id"`
	Position   float64       `json:"position"`
	Direction  string        `json:"direction"`
	Accepted   bool          `json:"accepted"`
	OffsetX    float64       `json:"offset_x"`
	OffsetY    float64       `json:"offset_y"`
	Confidence float64       `json:"confidence"`
	Height     int           `json:"composite_height"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	RecordedAt time.Time     `json:"recorded_at"`
	Error      string        `json:"error,omitempty"`
}

// CycleRow is a journalled registration cycle.
type CycleRow struct {
	Cycle        int           `json:"cycle"`
	Height       int           `json:"composite_height"`
	Registered   bool          `json:"registered"`
	Confidence   float64       `json:"confidence"`
	Tiles        int           `json:"tiles"`
	MemoryBudget int64         `json:"memory_budget"`
	Replans      int           `json:"replans"`
	Sent         bool          `json:"sent"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	RecordedAt   time.Time     `json:"recorded_at"`
	Error        string        `json:"error,omitempty"`
}

const runColumns = `run_id, started_at, ended_at, config_json, strips_acquired, strips_dropped,
	strips_processed, strips_accepted, strips_rejected, cycles, outputs_sent, replans,
	composite_height, memory_budget, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &started, &ended, &r.Config, &r.StripsAcquired, &r.StripsDropped,
		&r.StripsProcessed, &r.StripsAccepted, &r.StripsRejected, &r.Cycles, &r.OutputsSent,
		&r.Replans, &r.CompositeHeight, &r.MemoryBudget, &r.Error); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		r.EndedAt = &t
	}
	return r, nil
}

// Runs lists the most recent runs, newest first. limit <= 0 means 100.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Run fetches a single run by ID.
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	row := s.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StripEvents returns a run's strip events in recording order.
func (s *Store) StripEvents(ctx context.Context, runID string) ([]StripRow, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT strip_id, position, direction, accepted, offset_x, offset_y, confidence,
			composite_height, elapsed_ns, recorded_at, error
		FROM strip_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StripRow
	for rows.Next() {
		var (
			e        StripRow
			id       int64
			elapsed  int64
			recorded int64
		)
		if err := rows.Scan(&id, &e.Position, &e.Direction, &e.Accepted, &e.OffsetX, &e.OffsetY,
			&e.Confidence, &e.Height, &elapsed, &recorded, &e.Error); err != nil {
			return nil, err
		}
		e.StripID = uint64(id)
		e.Elapsed = time.Duration(elapsed)
		e.RecordedAt = time.Unix(0, recorded).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Cycles returns a run's registration cycles in cycle order.
func (s *Store) Cycles(ctx context.Context, runID string) ([]CycleRow, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT cycle, composite_height, registered, confidence, tiles, memory_budget,
			replans, sent, elapsed_ns, recorded_at, error
		FROM registration_cycles WHERE run_id = ? ORDER BY cycle, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []CycleRow
	for rows.Next() {
		var (
			c        CycleRow
			elapsed  int64
			recorded int64
		)
		if err := rows.Scan(&c.Cycle, &c.Height, &c.Registered, &c.Confidence, &c.Tiles,
			&c.MemoryBudget, &c.Replans, &c.Sent, &elapsed, &recorded, &c.Error); err != nil {
			return nil, err
		}
		c.Elapsed = time.Duration(elapsed)
		c.RecordedAt = time.Unix(0, recorded).UTC()
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cycles, nil
}
