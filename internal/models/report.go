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

// Package models defines the data structures shared across the ingestion pipeline.
package models

// FormatXML is the declared format of an attachment that needs no unpacking.
const FormatXML = "xml"

// RawAttachment is a candidate attachment located inside a raw message.
type RawAttachment struct {
	MessageID      string
	Name           string
	Content        []byte
	DeclaredFormat string // lower-cased extension group, e.g. "xml", "zip", "tar.gz"
}

// ResolvedPayload holds the XML bytes of a report, unpacked if necessary.
type ResolvedPayload struct {
	XML []byte
}

// ReportMetadata is shared by every record decoded from one payload.
//
// A nil field means the value was absent, empty or zero in the report.
type ReportMetadata struct {
	OrgName          *string `json:"org_name"`
	Email            *string `json:"email"`
	ExtraContactInfo *string `json:"extra_contact_info"`
	ReportID         *string `json:"report_id"`
	BeginTimestamp   *int64  `json:"begin_timestamp"` // epoch milliseconds
	EndTimestamp     *int64  `json:"end_timestamp"`   // epoch milliseconds
	Domain           *string `json:"domain"`
	ADKIM            *string `json:"adkim"`
	ASPF             *string `json:"aspf"`
	P                *string `json:"p"`
	SP               *string `json:"sp"`
	Pct              *int64  `json:"pct"`
}

// EvaluationRecord is one <record> element of an aggregate report, flattened
// and carrying the full metadata of its report so it can be indexed on its own.
type EvaluationRecord struct {
	ReportMetadata

	SourceIP     *string        `json:"source_ip"`
	Count        *int64         `json:"count"`
	Disposition  *string        `json:"disposition"`
	DKIM         *string        `json:"dkim"`
	SPF          *string        `json:"spf"`
	Reason       *string        `json:"reason"`
	EnvelopeTo   *string        `json:"envelope_to"`
	EnvelopeFrom *string        `json:"envelope_from"`
	HeaderFrom   *string        `json:"header_from"`
	AuthResults  map[string]any `json:"auth_results"`
}

// SearchCriteria narrows the messages a Message Source yields.
type SearchCriteria struct {
	UnseenOnly bool
	Recipient  string // exact-match TO filter; empty disables it
}

// UpsertResult is the Document Store's answer to a single write.
type UpsertResult struct {
	Result   string // "created" on success
	Response string // raw store response, kept for diagnostics
}
