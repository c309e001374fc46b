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

// Package diag carries the side-channel diagnostics of an ingestion run.
// Skipped attachments, decode failures and rejected writes are recorded here
// instead of being returned as errors, so one bad unit never stops the run.
package diag

import (
	"context"
	"log/slog"
	"sync"
)

// Kind classifies a diagnostic.
type Kind string

const (
	KindAttachmentSkipped Kind = "attachment_skipped"
	KindMessageUnreadable Kind = "message_unreadable"
	KindMessageFailed     Kind = "message_failed"
	KindDecodeFailed      Kind = "decode_failed"
	KindPartitionFailed   Kind = "partition_failed"
	KindUpsertFailed      Kind = "upsert_failed"
)

// Source identifies the attachment a diagnostic is about.
type Source struct {
	MessageID  string
	Attachment string
	Format     string
}

// Diagnostic is enough context to reconstruct a skip or failure without
// re-running the pipeline.
type Diagnostic struct {
	Kind       Kind
	MessageID  string
	Attachment string
	Reason     string
	Detail     string // record JSON, declared format, etc.
	Response   string // raw store response for rejected writes
}

// Recorder receives diagnostics.
type Recorder interface {
	Record(ctx context.Context, d Diagnostic)
}

// LogRecorder writes diagnostics to a structured logger at warn level.
type LogRecorder struct {
	Logger *slog.Logger
}

// NewLogRecorder returns a recorder logging through l, or slog.Default if l is nil.
func NewLogRecorder(l *slog.Logger) *LogRecorder {
	if l == nil {
		l = slog.Default()
	}
	return &LogRecorder{Logger: l}
}

func (r *LogRecorder) Record(ctx context.Context, d Diagnostic) {
	attrs := []any{
		"kind", string(d.Kind),
		"message_id", d.MessageID,
		"reason", d.Reason,
	}
	if d.Attachment != "" {
		attrs = append(attrs, "attachment", d.Attachment)
	}
	if d.Detail != "" {
		attrs = append(attrs, "detail", d.Detail)
	}
	if d.Response != "" {
		attrs = append(attrs, "response", d.Response)
	}
	r.Logger.WarnContext(ctx, "ingestion diagnostic", attrs...)
}

// Collector keeps diagnostics in memory. Safe for concurrent use.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (c *Collector) Record(_ context.Context, d Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, d)
}

// All returns a copy of the recorded diagnostics.
func (c *Collector) All() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Count returns the number of diagnostics of the given kind.
func (c *Collector) Count(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.items {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans a diagnostic out to several recorders. Nil entries are ignored.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, d Diagnostic) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, d)
		}
	}
}

// Discard drops every diagnostic.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Diagnostic) {}
