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

// Package imapsource reads DMARC report messages from an IMAP mailbox.
package imapsource

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mox/imapclient"
	"golang.org/x/oauth2"

	"github.com/bcem/dmarc-ingestion/internal/models"
)

// TLS modes, also the accepted values of the imap.tls setting.
const (
	TLSImplicit = "tls"
	TLSStartTLS = "starttls"
	TLSPlain    = "plain"
)

// Config holds connection settings for one mailbox session.
type Config struct {
	Address            string // host:port
	TLSMode            string
	InsecureSkipVerify bool
	Username           string
	Password           string
	Mailbox            string // empty: authenticate only, for ListMailboxes
	DialTimeout        time.Duration

	// TokenSource switches authentication from LOGIN to XOAUTH2.
	TokenSource oauth2.TokenSource
}

// Source is an authenticated IMAP session. Not safe for concurrent use;
// commands on one session are strictly sequential.
type Source struct {
	conn    *imapclient.Conn
	raw     net.Conn
	mailbox string
}

// Dial connects to the server, authenticates and selects the configured
// mailbox. Any failure here is fatal for the run.
func Dial(ctx context.Context, cfg Config) (*Source, error) {
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parse imap address %s: %w", cfg.Address, err)
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	var conn net.Conn
	switch cfg.TLSMode {
	case TLSImplicit, "":
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", cfg.Address)
	case TLSStartTLS, TLSPlain:
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	default:
		return nil, fmt.Errorf("unknown imap tls mode %q", cfg.TLSMode)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to imap server %s: %w", cfg.Address, err)
	}

	s, err := newSource(ctx, conn, cfg, tlsConfig)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	slog.Info("connected to imap server",
		"address", cfg.Address,
		"mailbox", cfg.Mailbox,
		"xoauth2", cfg.TokenSource != nil,
	)
	return s, nil
}

// newSource runs the session setup over an established connection.
func newSource(ctx context.Context, conn net.Conn, cfg Config, tlsConfig *tls.Config) (*Source, error) {
	s := &Source{raw: conn, mailbox: cfg.Mailbox}
	defer s.guard(ctx)()

	c, err := imapclient.New(conn, &imapclient.Opts{
		Logger: slog.Default(),
		// Errors are returned from every command; nothing to add here.
		Error: func(error) {},
	})
	if err != nil {
		return nil, fmt.Errorf("read imap greeting: %w", err)
	}
	s.conn = c

	if cfg.TLSMode == TLSStartTLS {
		if _, err := c.StartTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if !c.Preauth {
		if err := s.authenticate(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Mailbox != "" {
		if _, err := c.Select(cfg.Mailbox); err != nil {
			return nil, fmt.Errorf("select mailbox %s: %w", cfg.Mailbox, err)
		}
	}

	return s, nil
}

func (s *Source) authenticate(ctx context.Context, cfg Config) error {
	if cfg.TokenSource == nil {
		if _, err := s.conn.Login(cfg.Username, cfg.Password); err != nil {
			return fmt.Errorf("imap login as %s: %w", cfg.Username, err)
		}
		return nil
	}

	token, err := cfg.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("fetch oauth2 token: %w", err)
	}
	if err := s.authenticateXOAUTH2(cfg.Username, token.AccessToken); err != nil {
		return fmt.Errorf("imap xoauth2 as %s: %w", cfg.Username, err)
	}
	return nil
}

// authenticateXOAUTH2 sends the SASL XOAUTH2 initial response. On failure
// the server answers with a continuation carrying JSON error details, which
// must be acknowledged with an empty line before the tagged NO arrives.
func (s *Source) authenticateXOAUTH2(user, accessToken string) error {
	ir := base64.StdEncoding.EncodeToString([]byte("user=" + user + "\x01auth=Bearer " + accessToken + "\x01\x01"))
	if err := s.conn.WriteCommandf("", "authenticate XOAUTH2 %s", ir); err != nil {
		return fmt.Errorf("write authenticate command: %w", err)
	}

	line, err := s.conn.ReadContinuation()
	if err != nil {
		var resp imapclient.Response
		if errors.As(err, &resp) {
			if resp.Status == imapclient.OK {
				return nil
			}
			return resp.Result
		}
		return err
	}

	detail, _ := base64.StdEncoding.DecodeString(line)
	if err := s.conn.Writelinef(""); err != nil {
		return fmt.Errorf("acknowledge xoauth2 challenge: %w", err)
	}
	resp, err := s.conn.ReadResponse()
	if err != nil {
		return err
	}
	if resp.Status == imapclient.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", resp.Result, strings.TrimSpace(string(detail)))
}

// ListMailboxes returns the names of all mailboxes visible to the user.
func (s *Source) ListMailboxes(ctx context.Context) ([]string, error) {
	defer s.guard(ctx)()

	resp, err := s.conn.List("*")
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var names []string
	for _, l := range imapclient.UntaggedResponseList[imapclient.UntaggedList](resp) {
		names = append(names, l.Mailbox)
	}
	return names, nil
}

// SearchCommand builds the UID SEARCH program for criteria.
func SearchCommand(criteria models.SearchCriteria) (string, error) {
	parts := []string{"ALL"}
	if criteria.UnseenOnly {
		parts = append(parts, "UNSEEN")
	}
	if criteria.Recipient != "" {
		recipient := strings.NewReplacer(`"`, "", `\`, "").Replace(criteria.Recipient)
		for _, r := range recipient {
			if r < 0x20 || r > 0x7e {
				return "", fmt.Errorf("recipient filter %q must be printable ASCII", criteria.Recipient)
			}
		}
		parts = append(parts, `TO "`+recipient+`"`)
	}
	return strings.Join(parts, " "), nil
}

// ListCandidates returns the UIDs of messages matching criteria, ascending.
func (s *Source) ListCandidates(ctx context.Context, criteria models.SearchCriteria) ([]string, error) {
	program, err := SearchCommand(criteria)
	if err != nil {
		return nil, err
	}

	defer s.guard(ctx)()

	if err := s.conn.WriteCommandf("", "uid search %s", program); err != nil {
		return nil, fmt.Errorf("write search command: %w", err)
	}
	resp, err := s.conn.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.Status != imapclient.OK {
		return nil, fmt.Errorf("search %s: %w", program, resp.Result)
	}

	var uids []uint32
	for _, found := range imapclient.UntaggedResponseList[imapclient.UntaggedSearch](resp) {
		uids = append(uids, found...)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// FetchRaw returns the full RFC 822 source of message uid. The fetch is not
// a peek, so the server marks the message \Seen.
func (s *Source) FetchRaw(ctx context.Context, uid string) ([]byte, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", uid, err)
	}

	defer s.guard(ctx)()

	if err := s.conn.WriteCommandf("", "uid fetch %d (uid body[])", n); err != nil {
		return nil, fmt.Errorf("write fetch command: %w", err)
	}
	resp, err := s.conn.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read fetch response for uid %s: %w", uid, err)
	}
	if resp.Status != imapclient.OK {
		return nil, fmt.Errorf("fetch uid %s: %w", uid, resp.Result)
	}

	for _, ut := range resp.Untagged {
		var attrs []imapclient.FetchAttr
		switch f := ut.(type) {
		case imapclient.UntaggedFetch:
			attrs = f.Attrs
		case imapclient.UntaggedUIDFetch:
			if f.UID != uint32(n) {
				continue
			}
			attrs = f.Attrs
		default:
			continue
		}
		if body, ok := bodyFor(attrs, uint32(n)); ok {
			return []byte(body), nil
		}
	}

	return nil, fmt.Errorf("fetch uid %s: message not returned", uid)
}

// bodyFor returns the BODY[] attribute if attrs belong to uid. Fetch
// responses without a UID attribute are accepted as-is.
func bodyFor(attrs []imapclient.FetchAttr, uid uint32) (string, bool) {
	var (
		body    string
		hasBody bool
	)
	for _, a := range attrs {
		switch v := a.(type) {
		case imapclient.FetchUID:
			if uint32(v) != uid {
				return "", false
			}
		case imapclient.FetchBody:
			body, hasBody = v.Body, true
		}
	}
	return body, hasBody
}

// Close logs out and closes the connection.
func (s *Source) Close() error {
	if s.conn == nil {
		return s.raw.Close()
	}
	if _, err := s.conn.Logout(); err != nil {
		slog.Debug("imap logout failed", "error", err)
	}
	return s.conn.Close()
}

// guard aborts blocking reads and writes when ctx is done. The returned
// function must be called once the guarded operation finishes.
func (s *Source) guard(ctx context.Context) func() {
	if ctx.Err() != nil {
		_ = s.raw.SetDeadline(time.Now())
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.raw.SetDeadline(time.Now())
	})
	return func() { stop() }
}
