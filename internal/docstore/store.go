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

// Package docstore writes evaluation records to OpenSearch.
package docstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/bcem/dmarc-ingestion/internal/models"
)

// ResultCreated is the index result of a successfully written document.
const ResultCreated = "created"

const alreadyExists = "resource_already_exists_exception"

// Config holds OpenSearch connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Shards   int
	Replicas int
}

// Store is the Document Store backed by an OpenSearch cluster.
type Store struct {
	client   *opensearch.Client
	shards   int
	replicas int
	newID    func() string
}

// New creates a Store and verifies the cluster is reachable.
func New(cfg Config) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	shards := cfg.Shards
	if shards <= 0 {
		shards = 1
	}

	return &Store{
		client:   client,
		shards:   shards,
		replicas: cfg.Replicas,
		newID:    uuid.NewString,
	}, nil
}

// MappingExists reports whether index exists.
func (s *Store) MappingExists(ctx context.Context, index string) (bool, error) {
	res, err := s.client.Indices.Exists(
		[]string{index},
		s.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", index, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check index %s: unexpected status %s", index, res.Status())
	}
}

// CreateMapping creates index with the given mappings and reports whether
// this call created it. An index created concurrently by someone else is not
// an error; created is false in that case.
func (s *Store) CreateMapping(ctx context.Context, index string, mappings map[string]any) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"settings": map[string]any{
			"number_of_shards":   s.shards,
			"number_of_replicas": s.replicas,
		},
		"mappings": mappings,
	})
	if err != nil {
		return false, fmt.Errorf("marshal index body: %w", err)
	}

	res, err := s.client.Indices.Create(
		index,
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		if strings.Contains(string(bodyBytes), alreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("create index %s: %s - %s", index, res.Status(), string(bodyBytes))
	}

	return true, nil
}

// Upsert indexes rec as a new document in index. A rejected write is not an
// error: it comes back as a result other than "created" with the raw
// response attached.
func (s *Store) Upsert(ctx context.Context, index string, rec models.EvaluationRecord) (models.UpsertResult, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("marshal record: %w", err)
	}

	res, err := s.client.Index(
		index,
		bytes.NewReader(body),
		s.client.Index.WithDocumentID(s.newID()),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("index document in %s: %w", index, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("read index response: %w", err)
	}

	out := models.UpsertResult{Response: string(raw)}
	if res.IsError() {
		return out, nil
	}

	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		out.Result = parsed.Result
	}
	return out, nil
}
