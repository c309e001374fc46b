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

// Package report decodes DMARC aggregate report XML (RFC 7489 appendix C)
// into flat evaluation records.
//
// Reports in the wild routinely omit sections, so decoding never fails on a
// missing element: absent, empty and zero values all become nil fields.
package report

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/models"
)

// ErrMalformedXML is returned when the payload is not well-formed XML.
var ErrMalformedXML = errors.New("malformed report xml")

// Parse decodes one aggregate report into a record per <record> element.
// Every record carries the report's metadata and published policy.
func Parse(data []byte) ([]models.EvaluationRecord, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}

	metadata := root.child("report_metadata")
	dateRange := metadata.child("date_range")
	policy := root.child("policy_published")

	base := models.ReportMetadata{
		OrgName:          optString(metadata.child("org_name")),
		Email:            optString(metadata.child("email")),
		ExtraContactInfo: optString(metadata.child("extra_contact_info")),
		ReportID:         optString(metadata.child("report_id")),
		BeginTimestamp:   optMillis(dateRange.child("begin")),
		EndTimestamp:     optMillis(dateRange.child("end")),
		Domain:           optString(policy.child("domain")),
		ADKIM:            optString(policy.child("adkim")),
		ASPF:             optString(policy.child("aspf")),
		P:                optString(policy.child("p")),
		SP:               optString(policy.child("sp")),
		Pct:              optInt(policy.child("pct")),
	}

	records := root.all("record")
	out := make([]models.EvaluationRecord, 0, len(records))
	for _, rec := range records {
		row := rec.child("row")
		evaluated := row.child("policy_evaluated")
		identifiers := rec.child("identifiers")

		out = append(out, models.EvaluationRecord{
			ReportMetadata: base,
			SourceIP:       optString(row.child("source_ip")),
			Count:          optInt(row.child("count")),
			Disposition:    optString(evaluated.child("disposition")),
			DKIM:           optString(evaluated.child("dkim")),
			SPF:            optString(evaluated.child("spf")),
			Reason:         optReason(evaluated.child("reason")),
			EnvelopeTo:     optString(identifiers.child("envelope_to")),
			EnvelopeFrom:   optString(identifiers.child("envelope_from")),
			HeaderFrom:     optString(identifiers.child("header_from")),
			AuthResults:    toObject(rec.child("auth_results")),
		})
	}

	return out, nil
}

// Decoder wraps Parse and reports failures as diagnostics.
type Decoder struct {
	diagnostics diag.Recorder
}

// NewDecoder creates a Decoder reporting to rec.
func NewDecoder(rec diag.Recorder) *Decoder {
	if rec == nil {
		rec = diag.Discard
	}
	return &Decoder{diagnostics: rec}
}

// Decode parses data and returns its records. A payload that cannot be parsed
// yields no records and exactly one decode_failed diagnostic.
func (d *Decoder) Decode(ctx context.Context, src diag.Source, data []byte) []models.EvaluationRecord {
	records, err := Parse(data)
	if err != nil {
		d.diagnostics.Record(ctx, diag.Diagnostic{
			Kind:       diag.KindDecodeFailed,
			MessageID:  src.MessageID,
			Attachment: src.Attachment,
			Reason:     err.Error(),
			Detail:     src.Format,
		})
		return nil
	}
	return records
}

func optString(e *element) *string {
	v := e.value()
	if v == "" {
		return nil
	}
	return &v
}

// optInt parses a base-10 integer. Zero and unparsable values are unknown.
func optInt(e *element) *int64 {
	n, err := strconv.ParseInt(e.value(), 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	return &n
}

// optMillis converts a seconds timestamp to epoch milliseconds. Values whose
// millisecond form would overflow int64 are unknown.
func optMillis(e *element) *int64 {
	n := optInt(e)
	if n == nil || *n > math.MaxInt64/1000 || *n < math.MinInt64/1000 {
		return nil
	}
	ms := *n * 1000
	return &ms
}

// optReason accepts both a bare text reason and the structured
// <reason><type>..</type><comment>..</comment></reason> form.
func optReason(e *element) *string {
	if v := optString(e); v != nil {
		return v
	}
	typ := e.child("type").value()
	if typ == "" {
		return nil
	}
	if comment := e.child("comment").value(); comment != "" {
		typ = strings.Join([]string{typ, comment}, ": ")
	}
	return &typ
}
