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

// dmarc-ingest reads DMARC aggregate reports from an IMAP mailbox and
// indexes every evaluation record into daily OpenSearch partitions.
//
// Usage:
//
//	dmarc-ingest run [--config /app/config/config.yaml]
//	dmarc-ingest mailboxes
//	dmarc-ingest runs --limit 20
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/dmarc-ingestion/internal/config"
	"github.com/bcem/dmarc-ingestion/internal/imapsource"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dmarc-ingest",
	Short: "DMARC aggregate report ingestion",
	Long: `dmarc-ingest fetches DMARC aggregate reports from a mailbox, unpacks
their attachments and writes one document per evaluation record into
date-partitioned OpenSearch indices.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CONFIG_PATH or /app/config/config.yaml)")
	rootCmd.AddCommand(runCmd, mailboxesCmd, runsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the JSON logger.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// imapConfig maps the configuration to a session config for mailbox.
func imapConfig(ctx context.Context, cfg *config.Config, mailbox string) imapsource.Config {
	c := imapsource.Config{
		Address:            cfg.IMAP.Address,
		TLSMode:            cfg.IMAP.TLSMode,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		Mailbox:            mailbox,
		DialTimeout:        cfg.IMAP.DialTimeout,
	}
	if o := cfg.IMAP.OAuth2; o.Enabled() {
		creds := &clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     o.TokenURL,
			Scopes:       o.Scopes,
		}
		c.TokenSource = creds.TokenSource(ctx)
	}
	return c
}

// printMailboxes writes the available mailbox names to stdout.
func printMailboxes(ctx context.Context, cfg *config.Config) error {
	src, err := imapsource.Dial(ctx, imapConfig(ctx, cfg, ""))
	if err != nil {
		return err
	}
	defer src.Close()

	names, err := src.ListMailboxes(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(os.Stdout, name)
	}
	return nil
}

var mailboxesCmd = &cobra.Command{
	Use:   "mailboxes",
	Short: "List the mailboxes visible to the configured account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := printMailboxes(cmd.Context(), cfg); err != nil {
			slog.Error("failed to list mailboxes", "error", err)
			return err
		}
		return nil
	},
}
