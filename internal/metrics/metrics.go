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

// Package metrics collects per-run ingestion counters and pushes them to a
// Prometheus Pushgateway. The ingester is a batch job, so nothing is scraped.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/bcem/dmarc-ingestion/internal/pipeline"
)

// Run holds the metrics of one ingestion run.
type Run struct {
	registry *prometheus.Registry

	Messages          prometheus.Counter
	Attachments       prometheus.Counter
	Records           prometheus.Counter
	Indexed           prometheus.Counter
	Failed            prometheus.Counter
	PartitionsCreated prometheus.Counter
	Diagnostics       *prometheus.CounterVec
	Duration          prometheus.Gauge
	LastSuccess       prometheus.Gauge
}

// NewRun creates the run metrics on a fresh registry.
func NewRun() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Run{
		registry: reg,
		Messages: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_messages_total",
			Help: "Messages fetched from the mailbox",
		}),
		Attachments: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_attachments_total",
			Help: "Attachments with a recognised report file name",
		}),
		Records: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_records_total",
			Help: "Evaluation records decoded from reports",
		}),
		Indexed: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_indexed_total",
			Help: "Records written to the document store",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_failed_total",
			Help: "Records the document store did not accept",
		}),
		PartitionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "dmarc_ingest_partitions_created_total",
			Help: "Daily partitions created during the run",
		}),
		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmarc_ingest_diagnostics_total",
			Help: "Diagnostics recorded during the run",
		}, []string{"kind"}),
		Duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "dmarc_ingest_run_duration_seconds",
			Help: "Wall-clock duration of the last run",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "dmarc_ingest_last_success_timestamp_seconds",
			Help: "Unix time the last run completed without a fatal error",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Run) Registry() *prometheus.Registry { return m.registry }

// Observe copies the counters of res into the metrics. A nil res or a
// non-nil runErr leaves LastSuccess untouched.
func (m *Run) Observe(res *pipeline.Result, runErr error) {
	if res == nil {
		return
	}
	m.Messages.Add(float64(res.Messages))
	m.Attachments.Add(float64(res.Attachments))
	m.Records.Add(float64(res.Records))
	m.Indexed.Add(float64(res.Indexed))
	m.Failed.Add(float64(res.Failed))
	m.PartitionsCreated.Add(float64(res.PartitionsCreated))
	for kind, n := range res.Diagnostics {
		m.Diagnostics.WithLabelValues(string(kind)).Add(float64(n))
	}
	m.Duration.Set(res.Elapsed.Seconds())
	if runErr == nil {
		m.LastSuccess.SetToCurrentTime()
	}
}

// Push replaces the job's metric group on the gateway at url.
func (m *Run) Push(ctx context.Context, url, job, mailbox string) error {
	p := push.New(url, job).Gatherer(m.registry)
	if mailbox != "" {
		p = p.Grouping("mailbox", mailbox)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
