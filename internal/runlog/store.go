// Package runlog keeps a SQLite ledger of synthesis runs and their stage transitions.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lexiqai/speech-gateway/internal/pipeline"
	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// ErrRunNotFound is returned by Get for unknown run IDs
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the ledger
type Run struct {
	ID          string     `json:"id"`
	Transport   string     `json:"transport"`
	Model       string     `json:"model"`
	VoiceSource string     `json:"voice_source"`
	InputChars  int        `json:"input_chars"`
	State       string     `json:"state"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputBytes int64      `json:"output_bytes,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Events      []Event    `json:"events,omitempty"`
}

// Event is one recorded state transition
type Event struct {
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	ElapsedMS int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

// Store wraps the SQLite-backed run ledger. A Store opened with an empty
// path records nothing.
type Store struct {
	db            *sql.DB
	retentionDays int
	logger        zerolog.Logger
	clock         func() time.Time
}

// Open initializes the ledger at path, creating its directory and schema
func Open(ctx context.Context, path string, retentionDays int, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "runlog").Logger(),
		clock:         time.Now,
	}
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Run ledger prune on start failed")
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    transport TEXT NOT NULL,
    model TEXT NOT NULL,
    voice_source TEXT NOT NULL,
    input_chars INTEGER NOT NULL,
    state TEXT NOT NULL,
    error_code TEXT,
    error TEXT,
    output_bytes INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    state TEXT NOT NULL,
    previous TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether the ledger persists anything
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// Begin inserts the run row before the pipeline starts
func (s *Store) Begin(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	if run.State == "" {
		run.State = pipeline.StateIdle.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, transport, model, voice_source, input_chars, state, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Transport, run.Model, run.VoiceSource, run.InputChars, run.State, run.StartedAt.UnixMilli())
	return err
}

// Observer returns a pipeline observer that records every transition. Write
// failures are logged; they never affect the run.
func (s *Store) Observer(ctx context.Context) pipeline.Observer {
	if !s.Enabled() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	return func(ev pipeline.Event) {
		if err := s.record(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("run_id", ev.RunID).Str("state", ev.State.String()).Msg("Failed to record run event")
		}
	}
}

func (s *Store) record(ctx context.Context, ev pipeline.Event) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO run_events(run_id, state, previous, elapsed_ms, at) VALUES(?, ?, ?, ?, ?)`,
		ev.RunID, ev.State.String(), ev.Previous.String(), ev.Elapsed.Milliseconds(), ev.At.UnixMilli()); err != nil {
		return err
	}

	switch {
	case ev.State == pipeline.StateFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET state = ?, error_code = ?, error = ?, finished_at = ? WHERE run_id = ?`,
			ev.State.String(), synthesis.KindOf(ev.Err).String(), synthesis.PublicMessage(ev.Err), ev.At.UnixMilli(), ev.RunID)
	case ev.State.Terminal():
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET state = ?, finished_at = ? WHERE run_id = ?`,
			ev.State.String(), ev.At.UnixMilli(), ev.RunID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET state = ? WHERE run_id = ?`, ev.State.String(), ev.RunID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Complete records the size of the delivered waveform
func (s *Store) Complete(ctx context.Context, runID string, outputBytes int64) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET output_bytes = ? WHERE run_id = ?`, outputBytes, runID)
	return err
}

// Get returns a run and its events in transition order
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	if !s.Enabled() {
		return nil, ErrRunNotFound
	}

	var (
		run      Run
		errCode  sql.NullString
		errMsg   sql.NullString
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, transport, model, voice_source, input_chars, state, error_code, error, output_bytes, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &run.Transport, &run.Model, &run.VoiceSource, &run.InputChars, &run.State,
			&errCode, &errMsg, &run.OutputBytes, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.ErrorCode = errCode.String
	run.Error = errMsg.String
	run.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		run.FinishedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, previous, elapsed_ms, at FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.State, &e.Previous, &e.ElapsedMS, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		run.Events = append(run.Events, e)
	}
	return &run, rows.Err()
}

// Prune deletes runs older than the retention window. Zero keeps everything.
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() || s.retentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info().Int64("runs", n).Msg("Pruned run ledger")
	}
	return nil
}

// RunPruner prunes on every tick until ctx is done
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if !s.Enabled() || s.retentionDays <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Run ledger prune failed")
			}
		}
	}
}
