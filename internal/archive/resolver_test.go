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

package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/dmarc-ingestion/internal/models"
)

const scratchDir = "/scratch"

var reportXML = []byte(`<?xml version="1.0"?><feedback><report_metadata><org_name>google.com</org_name></report_metadata></feedback>`)

func gzipBytes(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, members map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(members[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarBytes(t *testing.T, members map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		data := members[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(scratchDir, 0o755))
	opts = append([]Option{WithFs(fs), WithTempDir(scratchDir)}, opts...)
	return NewResolver(opts...), fs
}

func assertScratchEmpty(t *testing.T, fs afero.Fs) {
	t.Helper()
	entries, err := afero.ReadDir(fs, scratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files must be removed")
}

func TestResolve_Formats(t *testing.T) {
	other := []byte("not a report")
	fixtureXML := fixture(t, "report.xml")

	tests := []struct {
		name   string
		att    models.RawAttachment
		want   []byte
		errIs  error
		hasErr bool
	}{
		{
			name: "plain xml",
			att:  models.RawAttachment{Name: "r.xml", DeclaredFormat: "xml", Content: reportXML},
			want: reportXML,
		},
		{
			name: "xml.gz",
			att: models.RawAttachment{
				Name: "report.xml.gz", DeclaredFormat: "xml.gz",
				Content: gzipBytes(t, "", reportXML),
			},
			want: reportXML,
		},
		{
			name: "gz uses header name",
			att: models.RawAttachment{
				Name: "report.gz", DeclaredFormat: "gz",
				Content: gzipBytes(t, "google.com!example.com.xml", reportXML),
			},
			want: reportXML,
		},
		{
			name: "gz without xml member name",
			att: models.RawAttachment{
				Name: "report.gz", DeclaredFormat: "gz",
				Content: gzipBytes(t, "", reportXML),
			},
			errIs: ErrNoXMLMember,
		},
		{
			name: "zip returns first xml member",
			att: models.RawAttachment{
				Name: "report.zip", DeclaredFormat: "zip",
				Content: zipBytes(t, map[string][]byte{
					"README.txt": other,
					"first.XML":  reportXML,
					"second.xml": other,
				}, "README.txt", "first.XML", "second.xml"),
			},
			want: reportXML,
		},
		{
			name: "zip without xml",
			att: models.RawAttachment{
				Name: "report.zip", DeclaredFormat: "zip",
				Content: zipBytes(t, map[string][]byte{"notes.txt": other}, "notes.txt"),
			},
			errIs: ErrNoXMLMember,
		},
		{
			name: "tar",
			att: models.RawAttachment{
				Name: "report.tar", DeclaredFormat: "tar",
				Content: tarBytes(t, map[string][]byte{
					"a.txt":      other,
					"report.xml": reportXML,
				}, "a.txt", "report.xml"),
			},
			want: reportXML,
		},
		{
			name: "tar.gz",
			att: models.RawAttachment{
				Name: "report.tar.gz", DeclaredFormat: "tar.gz",
				Content: gzipBytes(t, "", tarBytes(t, map[string][]byte{
					"report.xml": reportXML,
				}, "report.xml")),
			},
			want: reportXML,
		},
		{
			name: "xml.bz2",
			att: models.RawAttachment{
				Name: "report.xml.bz2", DeclaredFormat: "xml.bz2",
				Content: fixture(t, "report.xml.bz2"),
			},
			want: fixtureXML,
		},
		{
			name: "tar.bz2",
			att: models.RawAttachment{
				Name: "report.tar.bz2", DeclaredFormat: "tar.bz2",
				Content: fixture(t, "report.tar.bz2"),
			},
			want: fixtureXML,
		},
		{
			name: "bz2 named after its xml member",
			att: models.RawAttachment{
				Name: "report.xml.bz2", DeclaredFormat: "bz2",
				Content: fixture(t, "report.xml.bz2"),
			},
			want: fixtureXML,
		},
		{
			name: "bz2 without xml member name",
			att: models.RawAttachment{
				Name: "report.bz2", DeclaredFormat: "bz2",
				Content: fixture(t, "report.bz2"),
			},
			errIs: ErrNoXMLMember,
		},
		{
			name: "bz2 that is not bzip2",
			att: models.RawAttachment{
				Name: "report.xml.bz2", DeclaredFormat: "xml.bz2", Content: other,
			},
			hasErr: true,
		},
		{
			name: "zip that is not a zip",
			att: models.RawAttachment{
				Name: "report.zip", DeclaredFormat: "zip", Content: []byte("garbage"),
			},
			hasErr: true,
		},
		{
			name: "unknown format",
			att: models.RawAttachment{
				Name: "report.rar", DeclaredFormat: "rar", Content: other,
			},
			errIs: ErrUnsupportedFormat,
		},
		{
			name: "unknown outer layer",
			att: models.RawAttachment{
				Name: "report.xml.xz", DeclaredFormat: "xml.xz", Content: other,
			},
			errIs: ErrUnsupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, fs := newTestResolver(t)

			got, err := r.Resolve(context.Background(), tt.att)

			switch {
			case tt.errIs != nil:
				require.ErrorIs(t, err, tt.errIs)
			case tt.hasErr:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got.XML)
			}
			assertScratchEmpty(t, fs)
		})
	}
}

func TestResolve_PayloadTooLarge(t *testing.T) {
	r, fs := newTestResolver(t, WithMaxPayloadBytes(64))

	big := bytes.Repeat([]byte("<a/>"), 1024)
	_, err := r.Resolve(context.Background(), models.RawAttachment{
		Name:           "bomb.xml.gz",
		DeclaredFormat: "xml.gz",
		Content:        gzipBytes(t, "", big),
	})

	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assertScratchEmpty(t, fs)
}

func TestResolve_CanceledContext(t *testing.T) {
	r, fs := newTestResolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, models.RawAttachment{
		Name:           "report.xml.gz",
		DeclaredFormat: "xml.gz",
		Content:        gzipBytes(t, "", reportXML),
	})

	require.ErrorIs(t, err, context.Canceled)
	assertScratchEmpty(t, fs)
}
