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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bcem/dmarc-ingestion/internal/archive"
	"github.com/bcem/dmarc-ingestion/internal/config"
	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/docstore"
	"github.com/bcem/dmarc-ingestion/internal/imapsource"
	"github.com/bcem/dmarc-ingestion/internal/ledger"
	"github.com/bcem/dmarc-ingestion/internal/metrics"
	"github.com/bcem/dmarc-ingestion/internal/models"
	"github.com/bcem/dmarc-ingestion/internal/pipeline"
	"github.com/bcem/dmarc-ingestion/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest the reports currently waiting in the mailbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if errors.Is(cfg.RequireMailbox(), config.ErrNoMailbox) {
			slog.Warn("no mailbox configured; listing available mailboxes")
			return printMailboxes(ctx, cfg)
		}

		if err := ingest(ctx, cfg); err != nil {
			slog.Error("ingestion run failed", "error", err)
			return err
		}
		return nil
	},
}

// sinks are the optional outputs of a run besides the document store.
type sinks struct {
	ledger    *ledger.Store
	runID     uuid.UUID
	publisher *queue.Publisher
}

func ingest(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting dmarc ingestion",
		"imap", cfg.IMAP.Address,
		"mailbox", cfg.IMAP.Mailbox,
		"opensearch", cfg.OpenSearch.URL,
		"workers", cfg.Pipeline.Workers,
	)

	// --- Optional Postgres run ledger ---
	var out sinks
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		out.ledger, err = ledger.NewStore(ctx, pool)
		if err != nil {
			return err
		}
	}

	// --- Optional Redis run events ---
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		out.publisher = queue.NewPublisher(rdb, cfg.RunsQueue)
		if err := out.publisher.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		slog.Info("connected to Redis", "queue", cfg.RunsQueue)
	}

	// --- Document store ---
	store, err := docstore.New(docstore.Config{
		URL:      cfg.OpenSearch.URL,
		Username: cfg.OpenSearch.Username,
		Password: cfg.OpenSearch.Password,
		Insecure: cfg.OpenSearch.Insecure,
		Shards:   cfg.OpenSearch.Shards,
		Replicas: cfg.OpenSearch.Replicas,
	})
	if err != nil {
		return err
	}

	// --- Mailbox ---
	src, err := imapsource.Dial(ctx, imapConfig(ctx, cfg, cfg.IMAP.Mailbox))
	if err != nil {
		return err
	}
	defer src.Close()

	recorders := diag.Multi{diag.NewLogRecorder(slog.Default())}
	if out.ledger != nil {
		out.runID, err = out.ledger.StartRun(ctx, cfg.IMAP.Mailbox)
		if err != nil {
			slog.Warn("failed to record run start", "error", err)
		} else {
			recorders = append(recorders, out.ledger.Recorder(out.runID))
		}
	}

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Source: src,
		Store:  store,
		Resolver: archive.NewResolver(
			archive.WithTempDir(cfg.Pipeline.TempDir),
			archive.WithMaxPayloadBytes(cfg.Pipeline.MaxPayloadBytes),
		),
		Diagnostics: recorders,
		IndexPrefix: cfg.OpenSearch.IndexPrefix,
		Workers:     cfg.Pipeline.Workers,
	})

	res, runErr := runner.Run(ctx, pipeline.Request{
		Mailbox: cfg.IMAP.Mailbox,
		Criteria: models.SearchCriteria{
			UnseenOnly: cfg.IMAP.UnseenOnly,
			Recipient:  cfg.IMAP.Recipient,
		},
	})

	report(context.WithoutCancel(ctx), cfg, out, res, runErr)
	return runErr
}

// report hands the run outcome to the ledger, the run queue and the
// Pushgateway. Failures here are logged only.
func report(ctx context.Context, cfg *config.Config, out sinks, res *pipeline.Result, runErr error) {
	if out.ledger != nil && out.runID != uuid.Nil {
		if err := out.ledger.FinishRun(ctx, out.runID, res, runErr); err != nil {
			slog.Warn("failed to record run result", "run_id", out.runID, "error", err)
		}
	}

	if out.publisher != nil {
		var runID string
		if out.runID != uuid.Nil {
			runID = out.runID.String()
		}
		ev := queue.NewRunCompleted(runID, cfg.IMAP.Mailbox, res, runErr)
		if err := out.publisher.PublishRunCompleted(ctx, ev); err != nil {
			slog.Warn("failed to publish run event", "error", err)
		}
	}

	if cfg.PushgatewayURL != "" {
		m := metrics.NewRun()
		m.Observe(res, runErr)
		if err := m.Push(ctx, cfg.PushgatewayURL, cfg.MetricsJob, cfg.IMAP.Mailbox); err != nil {
			slog.Warn("failed to push metrics", "error", err)
		}
	}
}
