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

package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/dmarc-ingestion/internal/archive"
	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/models"
)

// --- Mock message source ---

type mockSource struct {
	ids       []string
	messages  map[string][]byte
	listErr   error
	fetchErrs map[string]error

	mu      sync.Mutex
	fetched []string
}

func (m *mockSource) ListCandidates(_ context.Context, _ models.SearchCriteria) ([]string, error) {
	return m.ids, m.listErr
}

func (m *mockSource) FetchRaw(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, id)
	if err := m.fetchErrs[id]; err != nil {
		return nil, err
	}
	return m.messages[id], nil
}

// --- Mock document store ---

type mockStore struct {
	mu       sync.Mutex
	indices  map[string]bool
	docs     map[string][]models.EvaluationRecord
	creates  []string
	checkErr map[string]error
	reject   func(models.EvaluationRecord) bool
}

func newMockStore() *mockStore {
	return &mockStore{
		indices:  make(map[string]bool),
		docs:     make(map[string][]models.EvaluationRecord),
		checkErr: make(map[string]error),
	}
}

func (m *mockStore) MappingExists(_ context.Context, index string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkErr[index]; err != nil {
		return false, err
	}
	return m.indices[index], nil
}

func (m *mockStore) CreateMapping(_ context.Context, index string, _ map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[index] = true
	m.creates = append(m.creates, index)
	return true, nil
}

func (m *mockStore) Upsert(_ context.Context, index string, rec models.EvaluationRecord) (models.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject != nil && m.reject(rec) {
		return models.UpsertResult{
			Result:   "noop",
			Response: `{"result":"noop"}`,
		}, nil
	}
	m.docs[index] = append(m.docs[index], rec)
	return models.UpsertResult{Result: "created", Response: `{"result":"created"}`}, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, docs := range m.docs {
		n += len(docs)
	}
	return n
}

// --- Test helpers ---

func reportXML(domain string, end int64, rows ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><feedback>`)
	b.WriteString(`<report_metadata><org_name>google.com</org_name><report_id>r-` + domain + `</report_id>`)
	fmt.Fprintf(&b, `<date_range><begin>%d</begin><end>%d</end></date_range></report_metadata>`, end-86399, end)
	b.WriteString(`<policy_published><domain>` + domain + `</domain><p>none</p><pct>100</pct></policy_published>`)
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString(`</feedback>`)
	return b.String()
}

func row(ip string, count int, disposition string) string {
	return fmt.Sprintf(`<record><row><source_ip>%s</source_ip><count>%d</count>`+
		`<policy_evaluated><disposition>%s</disposition><dkim>pass</dkim><spf>pass</spf></policy_evaluated></row>`+
		`<identifiers><header_from>example.com</header_from></identifiers>`+
		`<auth_results><spf><domain>example.com</domain><result>pass</result></spf></auth_results></record>`,
		ip, count, disposition)
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type part struct {
	name    string
	content []byte
}

func message(parts ...part) []byte {
	const boundary = "b1"
	var b strings.Builder
	b.WriteString("From: noreply-dmarc-support@google.com\r\nSubject: Report\r\nMIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"" + boundary + "\"\r\n\r\n")
	b.WriteString("--" + boundary + "\r\nContent-Type: text/plain\r\n\r\nreport attached\r\n")
	for _, p := range parts {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: application/octet-stream; name=\"" + p.name + "\"\r\n")
		b.WriteString("Content-Disposition: attachment; filename=\"" + p.name + "\"\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(p.content) + "\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}

func newTestRunner(t *testing.T, src MessageSource, store DocumentStore, rec diag.Recorder, workers int) *Runner {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/scratch", 0o755))
	return NewRunner(RunnerConfig{
		Source:      src,
		Store:       store,
		Resolver:    archive.NewResolver(archive.WithFs(fs), archive.WithTempDir("/scratch")),
		Diagnostics: rec,
		Workers:     workers,
	})
}

// --- Tests ---

func TestRun_GzippedReport(t *testing.T) {
	// 2023-11-15 23:59:59 UTC
	xml := reportXML("example.com", 1700092799, row("192.0.2.10", 5, "none"))
	src := &mockSource{
		ids:      []string{"1"},
		messages: map[string][]byte{"1": message(part{"report.xml.gz", gz(t, xml)})},
	}
	store := newMockStore()
	collector := &diag.Collector{}

	res, err := newTestRunner(t, src, store, collector, 1).Run(context.Background(), Request{Mailbox: "INBOX"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Messages)
	assert.Equal(t, 1, res.Attachments)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"dmarc-2023.11.15"}, res.Partitions)
	assert.Equal(t, 1, res.PartitionsCreated)
	assert.Empty(t, collector.All())

	docs := store.docs["dmarc-2023.11.15"]
	require.Len(t, docs, 1)
	assert.Equal(t, "example.com", *docs[0].Domain)
	assert.Equal(t, "none", *docs[0].Disposition)
	assert.Equal(t, int64(5), *docs[0].Count)
	assert.Equal(t, int64(1700092799000), *docs[0].EndTimestamp)
}

func TestRun_RecordsSplitAcrossPartitions(t *testing.T) {
	// Reports ending 2023-11-14 and 2023-11-15.
	day1 := reportXML("example.com", 1700006399, row("192.0.2.1", 1, "none"))
	day2 := reportXML("example.org", 1700092799,
		row("192.0.2.2", 2, "none"),
		row("192.0.2.3", 3, "reject"))
	src := &mockSource{
		ids: []string{"10", "11"},
		messages: map[string][]byte{
			"10": message(part{"a.xml", []byte(day1)}),
			"11": message(part{"b.xml", []byte(day2)}),
		},
	}
	store := newMockStore()
	store.indices["dmarc-2023.11.14"] = true

	res, err := newTestRunner(t, src, store, &diag.Collector{}, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"dmarc-2023.11.14", "dmarc-2023.11.15"}, res.Partitions)
	assert.Equal(t, []string{"dmarc-2023.11.15"}, store.creates, "existing partition must not be recreated")
	assert.Len(t, store.docs["dmarc-2023.11.14"], 1)
	assert.Len(t, store.docs["dmarc-2023.11.15"], 2)
	assert.Equal(t, 3, res.Indexed)
}

func TestRun_SkipsAndContinues(t *testing.T) {
	good := reportXML("example.com", 1700092799, row("192.0.2.1", 4, "none"))
	src := &mockSource{
		ids: []string{"1", "2", "3"},
		messages: map[string][]byte{
			"1": message(
				part{"invoice.pdf", []byte("%PDF")},
				part{"broken.xml", []byte("<feedback><record>")},
				part{"empty.zip", []byte("not a zip")},
			),
			"3": message(part{"ok.xml", []byte(good)}),
		},
		fetchErrs: map[string]error{"2": errors.New("connection reset")},
	}
	store := newMockStore()
	collector := &diag.Collector{}

	res, err := newTestRunner(t, src, store, collector, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Messages)
	assert.Equal(t, 3, res.Attachments, "pdf is dropped by name before counting")
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 1, res.Indexed)

	assert.Equal(t, 1, collector.Count(diag.KindMessageFailed))
	assert.Equal(t, 2, collector.Count(diag.KindAttachmentSkipped))
	assert.Equal(t, 1, collector.Count(diag.KindDecodeFailed))
	assert.Equal(t, res.Diagnostics[diag.KindDecodeFailed], 1)
	assert.Equal(t, []string{"1", "2", "3"}, src.fetched)
}

func TestRun_RejectedUpsert(t *testing.T) {
	xml := reportXML("example.com", 1700092799,
		row("192.0.2.1", 1, "none"),
		row("192.0.2.2", 2, "none"))
	src := &mockSource{
		ids:      []string{"1"},
		messages: map[string][]byte{"1": message(part{"r.xml", []byte(xml)})},
	}
	store := newMockStore()
	store.reject = func(rec models.EvaluationRecord) bool {
		return rec.SourceIP != nil && *rec.SourceIP == "192.0.2.2"
	}
	collector := &diag.Collector{}

	res, err := newTestRunner(t, src, store, collector, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Failed)

	failures := collector.All()
	require.Len(t, failures, 1)
	assert.Equal(t, diag.KindUpsertFailed, failures[0].Kind)
	assert.Equal(t, "1", failures[0].MessageID)
	assert.Contains(t, failures[0].Detail, `"source_ip":"192.0.2.2"`)
	assert.Equal(t, `{"result":"noop"}`, failures[0].Response)
}

func TestRun_PartitionFailureSkipsItsRecords(t *testing.T) {
	day1 := reportXML("example.com", 1700006399, row("192.0.2.1", 1, "none"))
	day2 := reportXML("example.org", 1700092799, row("192.0.2.2", 2, "none"))
	src := &mockSource{
		ids: []string{"1"},
		messages: map[string][]byte{"1": message(
			part{"a.xml", []byte(day1)},
			part{"b.xml", []byte(day2)},
		)},
	}
	store := newMockStore()
	store.checkErr["dmarc-2023.11.14"] = errors.New("cluster unavailable")
	collector := &diag.Collector{}

	res, err := newTestRunner(t, src, store, collector, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, collector.Count(diag.KindPartitionFailed))
	assert.Equal(t, 1, collector.Count(diag.KindUpsertFailed))
	assert.Empty(t, store.docs["dmarc-2023.11.14"])
}

func TestRun_ListFailureIsFatal(t *testing.T) {
	src := &mockSource{listErr: errors.New("not selected")}

	res, err := newTestRunner(t, src, newMockStore(), &diag.Collector{}, 1).Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestRun_NoCandidates(t *testing.T) {
	store := newMockStore()
	res, err := newTestRunner(t, &mockSource{}, store, &diag.Collector{}, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Zero(t, res.Messages)
	assert.Zero(t, res.Records)
	assert.Empty(t, res.Partitions)
	assert.Empty(t, store.creates)
}

func TestRun_WorkersPreserveMessageOrder(t *testing.T) {
	src := &mockSource{messages: make(map[string][]byte)}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("%d", i+1)
		src.ids = append(src.ids, id)
		xml := reportXML(fmt.Sprintf("d%02d.example", i), 1700092799, row(fmt.Sprintf("192.0.2.%d", i+1), i+1, "none"))
		src.messages[id] = message(part{"r.xml.gz", gz(t, xml)})
	}
	store := newMockStore()

	res, err := newTestRunner(t, src, store, &diag.Collector{}, 4).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 20, res.Indexed)
	require.Equal(t, 20, store.count())

	docs := store.docs["dmarc-2023.11.15"]
	for i, d := range docs {
		assert.Equal(t, int64(i+1), *d.Count)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	xml := reportXML("example.com", 1700092799, row("192.0.2.1", 1, "none"))
	src := &mockSource{
		ids:      []string{"1"},
		messages: map[string][]byte{"1": message(part{"r.xml", []byte(xml)})},
	}
	store := newMockStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestRunner(t, src, store, &diag.Collector{}, 1).Run(ctx, Request{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.count())
}

func TestRecordDetail(t *testing.T) {
	org := "google.com"
	rec := models.EvaluationRecord{ReportMetadata: models.ReportMetadata{OrgName: &org}}
	assert.Contains(t, recordDetail(rec), `"google.com"`)

	// Values json cannot encode fall back to a Go rendering.
	rec.AuthResults = map[string]any{"dkim": make(chan int)}
	detail := recordDetail(rec)
	assert.NotEmpty(t, detail)
	assert.Contains(t, detail, "AuthResults")
}

func TestRun_RangeAcrossMidnightUsesEndDate(t *testing.T) {
	// begin 2023-11-14T12:00:00Z, end 2023-11-15T11:59:59Z.
	xml := `<feedback><report_metadata><org_name>google.com</org_name>` +
		`<date_range><begin>1699963200</begin><end>1700049599</end></date_range></report_metadata>` +
		`<policy_published><domain>example.com</domain></policy_published>` +
		row("192.0.2.1", 2, "none") + `</feedback>`
	src := &mockSource{
		ids:      []string{"7"},
		messages: map[string][]byte{"7": message(part{"report.xml", []byte(xml)})},
	}
	store := newMockStore()

	res, err := newTestRunner(t, src, store, &diag.Collector{}, 1).Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"dmarc-2023.11.15"}, res.Partitions)
	assert.Equal(t, []string{"dmarc-2023.11.15"}, store.creates)
	assert.Len(t, store.docs["dmarc-2023.11.15"], 1)
	assert.Empty(t, store.docs["dmarc-2023.11.14"])
	assert.Equal(t, 1, res.Indexed)
}
