// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger provides a Postgres-backed record of ingestion runs and the
// diagnostics each run produced.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/pipeline"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DB is the subset of *pgxpool.Pool the ledger uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RunRecord is one row of ingest_runs.
type RunRecord struct {
	RunID      uuid.UUID
	Mailbox    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Messages   int
	Records    int
	Indexed    int
	Failed     int
}

// Store persists run bookkeeping in Postgres.
type Store struct {
	db DB
}

// NewStore creates a ledger store and ensures its tables exist.
func NewStore(ctx context.Context, db DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("run ledger initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_runs (
			run_id       UUID PRIMARY KEY,
			mailbox      TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at  TIMESTAMPTZ,
			status       TEXT NOT NULL DEFAULT 'running',
			messages     INTEGER NOT NULL DEFAULT 0,
			attachments  INTEGER NOT NULL DEFAULT 0,
			skipped      INTEGER NOT NULL DEFAULT 0,
			records      INTEGER NOT NULL DEFAULT 0,
			partitions   INTEGER NOT NULL DEFAULT 0,
			indexed      INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS ingest_diagnostics (
			id          BIGSERIAL PRIMARY KEY,
			run_id      UUID NOT NULL REFERENCES ingest_runs(run_id) ON DELETE CASCADE,
			kind        TEXT NOT NULL,
			message_id  TEXT NOT NULL DEFAULT '',
			attachment  TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			response    TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_diag_run ON ingest_diagnostics(run_id);
		CREATE INDEX IF NOT EXISTS idx_diag_kind ON ingest_diagnostics(kind);
	`)
	return err
}

// StartRun inserts a running row and returns its id.
func (s *Store) StartRun(ctx context.Context, mailbox string) (uuid.UUID, error) {
	runID := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO ingest_runs (run_id, mailbox, status)
		VALUES ($1, $2, $3)
	`, runID, mailbox, StatusRunning)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

// FinishRun stores the counters of res. A non-nil runErr marks the run failed;
// res may be nil in that case.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, res *pipeline.Result, runErr error) error {
	status, errText := StatusCompleted, ""
	if runErr != nil {
		status, errText = StatusFailed, runErr.Error()
	}
	if res == nil {
		res = &pipeline.Result{}
	}

	_, err := s.db.Exec(ctx, `
		UPDATE ingest_runs SET
			finished_at = NOW(),
			status      = $2,
			messages    = $3,
			attachments = $4,
			skipped     = $5,
			records     = $6,
			partitions  = $7,
			indexed     = $8,
			failed      = $9,
			error       = $10
		WHERE run_id = $1
	`, runID, status, res.Messages, res.Attachments, res.Skipped, res.Records,
		len(res.Partitions), res.Indexed, res.Failed, errText)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, mailbox, started_at, finished_at, status,
		       messages, records, indexed, failed
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(
			&r.RunID, &r.Mailbox, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.Messages, &r.Records, &r.Indexed, &r.Failed,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Recorder returns a diag.Recorder that persists diagnostics under runID.
// Insert failures are logged and otherwise ignored.
func (s *Store) Recorder(runID uuid.UUID) diag.Recorder {
	return &recorder{db: s.db, runID: runID}
}

type recorder struct {
	db    DB
	runID uuid.UUID
}

func (r *recorder) Record(ctx context.Context, d diag.Diagnostic) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest_diagnostics
			(run_id, kind, message_id, attachment, reason, detail, response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.runID, string(d.Kind), d.MessageID, d.Attachment, d.Reason, d.Detail, d.Response)
	if err != nil {
		slog.Warn("failed to persist diagnostic",
			"run_id", r.runID,
			"kind", string(d.Kind),
			"error", err,
		)
	}
}
