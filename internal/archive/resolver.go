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

// Package archive unpacks compressed report attachments down to the XML
// document they carry.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/bcem/dmarc-ingestion/internal/models"
)

// DefaultMaxPayloadBytes caps any decompressed stream.
const DefaultMaxPayloadBytes int64 = 20 << 20

var (
	ErrNoXMLMember       = errors.New("archive contains no xml member")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrPayloadTooLarge   = errors.New("decompressed payload exceeds size limit")
)

// Resolver turns a RawAttachment into the XML bytes it contains.
type Resolver struct {
	fs       afero.Fs
	tempDir  string
	maxBytes int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFs sets the filesystem scratch files are written to.
func WithFs(fs afero.Fs) Option {
	return func(r *Resolver) { r.fs = fs }
}

// WithTempDir sets the scratch directory. Empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(r *Resolver) { r.tempDir = dir }
}

// WithMaxPayloadBytes caps every decompressed stream.
func WithMaxPayloadBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewResolver creates a Resolver backed by the OS filesystem by default.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fs:       afero.NewOsFs(),
		maxBytes: DefaultMaxPayloadBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the XML payload of att. Plain XML attachments are returned
// as-is; anything else is spooled to a scratch file and unpacked layer by
// layer, outermost compression first. Scratch files are removed before
// Resolve returns.
func (r *Resolver) Resolve(ctx context.Context, att models.RawAttachment) (models.ResolvedPayload, error) {
	format := strings.ToLower(att.DeclaredFormat)
	if format == models.FormatXML {
		return models.ResolvedPayload{XML: att.Content}, nil
	}

	tokens := strings.Split(format, ".")
	if len(tokens) == 0 || len(tokens) > 2 {
		return models.ResolvedPayload{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, att.DeclaredFormat)
	}

	s := &scratch{fs: r.fs, dir: r.tempDir, max: r.maxBytes}
	defer s.cleanup()

	f, err := s.spool(bytes.NewReader(att.Content))
	if err != nil {
		return models.ResolvedPayload{}, err
	}
	name := att.Name

	// Peel outer compression layers until only the container token is left.
	for len(tokens) > 1 {
		if err := ctx.Err(); err != nil {
			return models.ResolvedPayload{}, err
		}

		outer := tokens[len(tokens)-1]
		stream, inner, err := decompress(outer, f, name)
		if err != nil {
			return models.ResolvedPayload{}, err
		}
		f, err = s.spool(stream)
		if err != nil {
			return models.ResolvedPayload{}, err
		}
		name = inner
		tokens = tokens[:len(tokens)-1]
	}

	var payload []byte
	switch container := tokens[0]; container {
	case "xml":
		payload, err = s.readLimited(f)
	case "zip":
		payload, err = s.firstZipMember(f)
	case "tar":
		payload, err = s.firstTarMember(f)
	case "gz", "bz2":
		var (
			stream io.Reader
			member string
		)
		stream, member, err = decompress(container, f, name)
		if err != nil {
			break
		}
		if !isXMLName(member) {
			err = fmt.Errorf("%w: single member %q", ErrNoXMLMember, member)
			break
		}
		payload, err = s.readLimited(stream)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, att.DeclaredFormat)
	}
	if err != nil {
		return models.ResolvedPayload{}, err
	}

	return models.ResolvedPayload{XML: payload}, nil
}

// decompress opens a single-stream compression layer over src and returns the
// decompressed stream along with the name of the member it holds.
func decompress(token string, src io.Reader, name string) (io.Reader, string, error) {
	switch token {
	case "gz":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, "", fmt.Errorf("open gzip stream: %w", err)
		}
		if zr.Name != "" {
			return zr, zr.Name, nil
		}
		return zr, trimSuffixFold(name, ".gz"), nil
	case "bz2":
		return bzip2.NewReader(src), trimSuffixFold(name, ".bz2"), nil
	default:
		return nil, "", fmt.Errorf("%w: compression layer %q", ErrUnsupportedFormat, token)
	}
}

func (s *scratch) firstZipMember(f afero.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat scratch file: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}

	for _, member := range zr.File {
		if member.FileInfo().IsDir() || !isXMLName(member.Name) {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip member %s: %w", member.Name, err)
		}
		defer rc.Close()
		return s.readLimited(rc)
	}

	return nil, ErrNoXMLMember
}

func (s *scratch) firstTarMember(f afero.File) ([]byte, error) {
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrNoXMLMember
		}
		if err != nil {
			return nil, fmt.Errorf("read tar archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !isXMLName(hdr.Name) {
			continue
		}
		return s.readLimited(tr)
	}
}

// scratch tracks the temporary files of one Resolve call.
type scratch struct {
	fs    afero.Fs
	dir   string
	max   int64
	files []afero.File
}

// spool copies src into a new scratch file, enforcing the size cap, and
// returns the file rewound to its start.
func (s *scratch) spool(src io.Reader) (afero.File, error) {
	f, err := afero.TempFile(s.fs, s.dir, "dmarc-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	s.files = append(s.files, f)

	n, err := io.Copy(f, io.LimitReader(src, s.max+1))
	if err != nil {
		return nil, fmt.Errorf("write scratch file: %w", err)
	}
	if n > s.max {
		return nil, ErrPayloadTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind scratch file: %w", err)
	}
	return f, nil
}

func (s *scratch) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.max+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > s.max {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

func (s *scratch) cleanup() {
	for _, f := range s.files {
		name := f.Name()
		_ = f.Close()
		if err := s.fs.Remove(name); err != nil {
			slog.Warn("failed to remove scratch file", "path", name, "error", err)
		}
	}
	s.files = nil
}

func isXMLName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".xml")
}

func trimSuffixFold(name, suffix string) string {
	if strings.HasSuffix(strings.ToLower(name), suffix) {
		return name[:len(name)-len(suffix)]
	}
	return name
}
