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

// Package attachment locates candidate report attachments inside raw
// MIME messages and classifies them by file name.
package attachment

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/bcem/dmarc-ingestion/internal/diag"
	"github.com/bcem/dmarc-ingestion/internal/models"
)

// ReasonUnrecognized is the diagnostic reason for a file name that does not
// look like a report.
const ReasonUnrecognized = "extension not recognized"

// filenamePattern recognises an XML report, optionally wrapped in a zip, tar,
// gzip or bzip2 container, including the compound .tar.gz / .xml.bz2 forms.
var filenamePattern = regexp.MustCompile(`(?i)^(.+?)\.((?:xml|zip|tar|gz|bz2)(?:\.(?:gz|bz2))?)$`)

// ParseFormat returns the lower-cased extension group of name, or false if
// name is not a recognised report file name.
func ParseFormat(name string) (string, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[2]), true
}

// Locator extracts report attachments from raw messages.
type Locator struct {
	diagnostics diag.Recorder
}

// NewLocator creates a Locator that reports skipped attachments to rec.
func NewLocator(rec diag.Recorder) *Locator {
	if rec == nil {
		rec = diag.Discard
	}
	return &Locator{diagnostics: rec}
}

// Locate parses raw as a MIME message and returns every attachment whose file
// name matches the report pattern. Other attachments are dropped with a
// diagnostic; an unparsable message yields no attachments.
func (l *Locator) Locate(ctx context.Context, messageID string, raw []byte) []models.RawAttachment {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		l.diagnostics.Record(ctx, diag.Diagnostic{
			Kind:      diag.KindMessageUnreadable,
			MessageID: messageID,
			Reason:    err.Error(),
		})
		return nil
	}

	for _, perr := range env.Errors {
		slog.Debug("mime parse warning",
			"message_id", messageID,
			"error", perr.Error(),
		)
	}

	var out []models.RawAttachment
	for _, part := range candidateParts(env) {
		format, ok := ParseFormat(part.FileName)
		if !ok {
			l.diagnostics.Record(ctx, diag.Diagnostic{
				Kind:       diag.KindAttachmentSkipped,
				MessageID:  messageID,
				Attachment: part.FileName,
				Reason:     ReasonUnrecognized,
				Detail:     part.ContentType,
			})
			continue
		}

		out = append(out, models.RawAttachment{
			MessageID:      messageID,
			Name:           part.FileName,
			Content:        part.Content,
			DeclaredFormat: format,
		})
	}

	return out
}

// candidateParts returns the attachment parts of env in message order.
// Inline and other parts only count when they carry a file name.
func candidateParts(env *enmime.Envelope) []*enmime.Part {
	parts := make([]*enmime.Part, 0, len(env.Attachments))
	parts = append(parts, env.Attachments...)
	for _, group := range [][]*enmime.Part{env.Inlines, env.OtherParts} {
		for _, p := range group {
			if p.FileName != "" {
				parts = append(parts, p)
			}
		}
	}
	return parts
}
