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

// Package partition maps evaluation records to daily indices and makes sure
// each index exists with the report schema before anything is written to it.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/dmarc-ingestion/internal/models"
)

// DefaultPrefix is prepended to every partition key.
const DefaultPrefix = "dmarc-"

const keyLayout = "2006.01.02"

// MappingStore is the part of the Document Store the router needs.
type MappingStore interface {
	MappingExists(ctx context.Context, index string) (bool, error)
	CreateMapping(ctx context.Context, index string, schema map[string]any) (created bool, err error)
}

// Key returns the partition for rec: prefix plus the UTC day of its end
// timestamp. A record without an end timestamp lands on the epoch day.
func Key(prefix string, rec models.EvaluationRecord) string {
	var ms int64
	if rec.EndTimestamp != nil {
		ms = *rec.EndTimestamp
	}
	return prefix + time.UnixMilli(ms).UTC().Format(keyLayout)
}

// Schema returns the field mapping shared by every partition.
func Schema() map[string]any {
	props := make(map[string]any)
	for _, f := range []string{
		"org_name", "email", "extra_contact_info", "report_id", "domain",
		"adkim", "aspf", "p", "sp", "disposition", "dkim", "spf", "reason",
		"envelope_to", "envelope_from", "header_from",
	} {
		props[f] = map[string]any{"type": "keyword"}
	}
	for _, f := range []string{"pct", "count"} {
		props[f] = map[string]any{"type": "long"}
	}
	for _, f := range []string{"begin_timestamp", "end_timestamp"} {
		props[f] = map[string]any{"type": "date", "format": "epoch_millis"}
	}
	props["source_ip"] = map[string]any{"type": "ip"}
	props["auth_results"] = map[string]any{"type": "object"}

	return map[string]any{"properties": props}
}

// Router ensures partitions exist. Keys ensured once are cached for the
// lifetime of the Router, which is one run. Safe for concurrent use.
type Router struct {
	store  MappingStore
	prefix string

	mu      sync.Mutex
	known   map[string]struct{}
	created int
}

// NewRouter creates a Router. An empty prefix means DefaultPrefix.
func NewRouter(store MappingStore, prefix string) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Router{
		store:  store,
		prefix: prefix,
		known:  make(map[string]struct{}),
	}
}

// Key returns the partition for rec under this router's prefix.
func (r *Router) Key(rec models.EvaluationRecord) string {
	return Key(r.prefix, rec)
}

// Ensure creates the partition key with the report schema unless it already
// exists.
func (r *Router) Ensure(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[key]; ok {
		return nil
	}

	exists, err := r.store.MappingExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check partition %s: %w", key, err)
	}
	if !exists {
		created, err := r.store.CreateMapping(ctx, key, Schema())
		if err != nil {
			return fmt.Errorf("create partition %s: %w", key, err)
		}
		if created {
			r.created++
			slog.Info("created partition", "index", key)
		} else {
			slog.Debug("partition created concurrently", "index", key)
		}
	}

	r.known[key] = struct{}{}
	return nil
}

// EnsureAll ensures the distinct partitions of records, in first-seen order.
// Keys that could not be ensured are returned in failed and are not retried.
func (r *Router) EnsureAll(ctx context.Context, records []models.EvaluationRecord) ([]string, map[string]error) {
	var keys []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		key := r.Key(rec)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	failed := make(map[string]error)
	for _, key := range keys {
		if err := r.Ensure(ctx, key); err != nil {
			failed[key] = err
		}
	}
	return keys, failed
}

// Created returns how many partitions this router created.
func (r *Router) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}
