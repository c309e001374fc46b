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

// Package pipeline runs one batch of DMARC report ingestion: list candidate
// messages, extract evaluation records from their attachments, ensure the
// daily partitions exist and index every record.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/dmarc-ingestion/internal/archive"
	"github.com/bcem/dmarc-ingestion/internal/attachment"
	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/docstore"
	"github.com/bcem/dmarc-ingestion/internal/models"
	"github.com/bcem/dmarc-ingestion/internal/partition"
	"github.com/bcem/dmarc-ingestion/internal/report"
)

// MessageSource yields raw report messages.
type MessageSource interface {
	ListCandidates(ctx context.Context, criteria models.SearchCriteria) ([]string, error)
	FetchRaw(ctx context.Context, id string) ([]byte, error)
}

// DocumentStore persists records into partitions.
type DocumentStore interface {
	partition.MappingStore
	Upsert(ctx context.Context, index string, rec models.EvaluationRecord) (models.UpsertResult, error)
}

// Request defines the scope of one run.
type Request struct {
	Mailbox  string
	Criteria models.SearchCriteria
}

// Result summarises a completed run.
type Result struct {
	Mailbox           string
	Messages          int // messages fetched
	Attachments       int // attachments with a recognised name
	Skipped           int // attachments dropped by name, unpacking or decoding
	Records           int
	Partitions        []string
	PartitionsCreated int
	Indexed           int
	Failed            int
	Diagnostics       map[diag.Kind]int
	Elapsed           time.Duration
}

// RunnerConfig holds dependencies for the pipeline runner.
type RunnerConfig struct {
	Source      MessageSource
	Store       DocumentStore
	Resolver    *archive.Resolver
	Diagnostics diag.Recorder
	IndexPrefix string
	Workers     int
}

// Runner performs ingestion runs.
type Runner struct {
	source      MessageSource
	store       DocumentStore
	resolver    *archive.Resolver
	diagnostics diag.Recorder
	prefix      string
	workers     int
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = archive.NewResolver()
	}
	rec := cfg.Diagnostics
	if rec == nil {
		rec = diag.NewLogRecorder(nil)
	}
	return &Runner{
		source:      cfg.Source,
		store:       cfg.Store,
		resolver:    resolver,
		diagnostics: rec,
		prefix:      cfg.IndexPrefix,
		workers:     workers,
	}
}

// pending is a decoded record waiting to be indexed.
type pending struct {
	record models.EvaluationRecord
	source diag.Source
}

// Run executes one ingestion run. Only a failure to list candidates is
// returned as an error; every other failure is a diagnostic and the run
// continues with the next unit of work.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	tally := newTally(r.diagnostics)

	slog.Info("starting ingestion run",
		"mailbox", req.Mailbox,
		"unseen_only", req.Criteria.UnseenOnly,
		"recipient", req.Criteria.Recipient,
	)

	ids, err := r.source.ListCandidates(ctx, req.Criteria)
	if err != nil {
		return nil, fmt.Errorf("list candidate messages: %w", err)
	}

	result := &Result{Mailbox: req.Mailbox}

	locator := attachment.NewLocator(tally)
	decoder := report.NewDecoder(tally)

	// Fetching is sequential on the single mailbox session; extraction fans
	// out. Slots keep record order aligned with message order.
	extracted := make([][]pending, len(ids))
	var attachments int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}

		raw, err := r.source.FetchRaw(ctx, id)
		if err != nil {
			tally.Record(ctx, diag.Diagnostic{
				Kind:      diag.KindMessageFailed,
				MessageID: id,
				Reason:    err.Error(),
			})
			continue
		}
		result.Messages++

		g.Go(func() error {
			atts := locator.Locate(gctx, id, raw)
			mu.Lock()
			attachments += int64(len(atts))
			mu.Unlock()
			extracted[i] = r.extract(gctx, tally, decoder, atts)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		result.Diagnostics = tally.snapshot()
		result.Elapsed = time.Since(start)
		return result, fmt.Errorf("ingestion run interrupted: %w", err)
	}

	var queue []pending
	for _, batch := range extracted {
		queue = append(queue, batch...)
	}
	result.Attachments = int(attachments)
	result.Records = len(queue)

	r.index(ctx, tally, queue, result)

	result.Diagnostics = tally.snapshot()
	result.Skipped = result.Diagnostics[diag.KindAttachmentSkipped] + result.Diagnostics[diag.KindDecodeFailed]
	result.Elapsed = time.Since(start)

	slog.Info("ingestion run complete",
		"mailbox", req.Mailbox,
		"messages", result.Messages,
		"attachments", result.Attachments,
		"skipped", result.Skipped,
		"records", result.Records,
		"partitions", len(result.Partitions),
		"indexed", result.Indexed,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// extract resolves and decodes each attachment of one message.
func (r *Runner) extract(ctx context.Context, rec diag.Recorder, decoder *report.Decoder, atts []models.RawAttachment) []pending {
	var out []pending
	for _, att := range atts {
		src := diag.Source{
			MessageID:  att.MessageID,
			Attachment: att.Name,
			Format:     att.DeclaredFormat,
		}

		payload, err := r.resolver.Resolve(ctx, att)
		if err != nil {
			rec.Record(ctx, diag.Diagnostic{
				Kind:       diag.KindAttachmentSkipped,
				MessageID:  att.MessageID,
				Attachment: att.Name,
				Reason:     err.Error(),
				Detail:     att.DeclaredFormat,
			})
			continue
		}

		for _, record := range decoder.Decode(ctx, src, payload.XML) {
			out = append(out, pending{record: record, source: src})
		}
	}
	return out
}

// index ensures partitions once for the whole batch, then writes each record
// into its own partition.
func (r *Runner) index(ctx context.Context, rec diag.Recorder, queue []pending, result *Result) {
	if len(queue) == 0 {
		return
	}

	router := partition.NewRouter(r.store, r.prefix)

	records := make([]models.EvaluationRecord, len(queue))
	for i, p := range queue {
		records[i] = p.record
	}

	keys, failed := router.EnsureAll(ctx, records)
	result.Partitions = keys
	for _, key := range keys {
		if err, ok := failed[key]; ok {
			rec.Record(ctx, diag.Diagnostic{
				Kind:   diag.KindPartitionFailed,
				Reason: err.Error(),
				Detail: key,
			})
		}
	}

	for _, p := range queue {
		key := router.Key(p.record)
		body := recordDetail(p.record)

		fail := func(reason, response string) {
			result.Failed++
			rec.Record(ctx, diag.Diagnostic{
				Kind:       diag.KindUpsertFailed,
				MessageID:  p.source.MessageID,
				Attachment: p.source.Attachment,
				Reason:     reason,
				Detail:     body,
				Response:   response,
			})
		}

		if err, ok := failed[key]; ok {
			fail(fmt.Sprintf("partition %s unavailable: %v", key, err), "")
			continue
		}

		res, err := r.store.Upsert(ctx, key, p.record)
		if err != nil {
			fail(err.Error(), "")
			continue
		}
		if res.Result != docstore.ResultCreated {
			fail(fmt.Sprintf("unexpected index result %q", res.Result), res.Response)
			continue
		}
		result.Indexed++
	}

	result.PartitionsCreated = router.Created()
}

// recordDetail renders rec for an upsert_failed diagnostic.
func recordDetail(rec models.EvaluationRecord) string {
	body, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("failed to marshal record for diagnostic", "error", err)
		return fmt.Sprintf("%+v", rec)
	}
	return string(body)
}

// tally forwards diagnostics and counts them by kind.
type tally struct {
	next   diag.Recorder
	mu     sync.Mutex
	counts map[diag.Kind]int
}

func newTally(next diag.Recorder) *tally {
	return &tally{next: next, counts: make(map[diag.Kind]int)}
}

func (t *tally) Record(ctx context.Context, d diag.Diagnostic) {
	t.mu.Lock()
	t.counts[d.Kind]++
	t.mu.Unlock()
	t.next.Record(ctx, d)
}

func (t *tally) snapshot() map[diag.Kind]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[diag.Kind]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
