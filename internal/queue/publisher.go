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

// Package queue announces finished ingestion runs on Redis as
// Celery-compatible tasks, so downstream workers can rebuild summaries for
// the partitions a run touched.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/dmarc-ingestion/internal/pipeline"
)

// TaskRunCompleted is the Celery task name consumers register.
const TaskRunCompleted = "dmarc.tasks.run_completed"

// RunCompleted is the event body published after every run.
type RunCompleted struct {
	EventID     string         `json:"event_id"`
	RunID       string         `json:"run_id,omitempty"`
	Mailbox     string         `json:"mailbox"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Messages    int            `json:"messages"`
	Records     int            `json:"records"`
	Indexed     int            `json:"indexed"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Partitions  []string       `json:"partitions"`
	Diagnostics map[string]int `json:"diagnostics,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// NewRunCompleted builds the event for res. res may be nil when the run
// failed before listing messages.
func NewRunCompleted(runID, mailbox string, res *pipeline.Result, runErr error) RunCompleted {
	ev := RunCompleted{
		EventID:    uuid.NewString(),
		RunID:      runID,
		Mailbox:    mailbox,
		Status:     "completed",
		Partitions: []string{},
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		ev.Status = "failed"
		ev.Error = runErr.Error()
	}
	if res == nil {
		return ev
	}
	ev.Messages = res.Messages
	ev.Records = res.Records
	ev.Indexed = res.Indexed
	ev.Failed = res.Failed
	ev.Skipped = res.Skipped
	if len(res.Partitions) > 0 {
		ev.Partitions = res.Partitions
	}
	if len(res.Diagnostics) > 0 {
		ev.Diagnostics = make(map[string]int, len(res.Diagnostics))
		for k, n := range res.Diagnostics {
			ev.Diagnostics[string(k)] = n
		}
	}
	return ev
}

// Publisher pushes run events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{rdb: rdb, queueName: queueName}
}

type celeryTask struct {
	ID      string  `json:"id"`
	Task    string  `json:"task"`
	Args    []any   `json:"args"`
	Kwargs  any     `json:"kwargs"`
	Retries int     `json:"retries"`
	ETA     *string `json:"eta"`
}

type celeryMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

// PublishRunCompleted wraps ev in a Celery envelope and LPUSHes it.
func (p *Publisher) PublishRunCompleted(ctx context.Context, ev RunCompleted) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	task := celeryTask{
		ID:     ev.EventID,
		Task:   TaskRunCompleted,
		Args:   []any{string(eventJSON)},
		Kwargs: map[string]any{},
	}
	taskBody, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "py",
			"task":    TaskRunCompleted,
			"id":      ev.EventID,
			"retries": 0,
		},
		Properties: map[string]any{
			"correlation_id": ev.EventID,
			"delivery_mode":  2,
			"delivery_tag":   ev.EventID,
			"body_encoding":  "utf-8",
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal celery message: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published run event",
		"event_id", ev.EventID,
		"run_id", ev.RunID,
		"status", ev.Status,
		"partitions", len(ev.Partitions),
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
