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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/dmarc-ingestion/internal/imapsource"
)

// ErrNoMailbox is returned by RequireMailbox when no mailbox is configured.
var ErrNoMailbox = errors.New("no imap mailbox configured")

// OAuth2Config holds client-credentials settings for XOAUTH2 login.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Enabled reports whether XOAUTH2 should be used instead of LOGIN.
func (o OAuth2Config) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

// IMAPConfig describes the mailbox reports are read from.
type IMAPConfig struct {
	Address            string // host:port
	TLSMode            string
	InsecureSkipVerify bool
	Username           string
	Password           string
	Mailbox            string
	UnseenOnly         bool
	Recipient          string
	DialTimeout        time.Duration
	OAuth2             OAuth2Config
}

// OpenSearchConfig describes the document store.
type OpenSearchConfig struct {
	URL         string
	Username    string
	Password    string
	Insecure    bool
	IndexPrefix string
	Shards      int
	Replicas    int
}

// PipelineConfig tunes the extraction stage.
type PipelineConfig struct {
	Workers         int
	TempDir         string
	MaxPayloadBytes int64
}

// Config holds all configuration for a DMARC ingestion run.
type Config struct {
	IMAP       IMAPConfig
	OpenSearch OpenSearchConfig
	Pipeline   PipelineConfig

	// Postgres run ledger; empty disables it.
	DatabaseURL string

	// Redis run events; empty URL disables them.
	RedisURL  string
	RunsQueue string

	// Prometheus Pushgateway; empty disables the push.
	PushgatewayURL string
	MetricsJob     string

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	IMAP struct {
		Address            string `yaml:"address"`
		TLS                string `yaml:"tls"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		Mailbox            string `yaml:"mailbox"`
		UnseenOnly         *bool  `yaml:"unseen_only"`
		Recipient          string `yaml:"recipient"`
		DialTimeout        string `yaml:"dial_timeout"`
		OAuth2             struct {
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			TokenURL     string   `yaml:"token_url"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth2"`
	} `yaml:"imap"`
	OpenSearch struct {
		URL         string `yaml:"url"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		Insecure    bool   `yaml:"insecure"`
		IndexPrefix string `yaml:"index_prefix"`
		Shards      int    `yaml:"shards"`
		Replicas    *int   `yaml:"replicas"`
	} `yaml:"opensearch"`
	Pipeline struct {
		Workers         int    `yaml:"workers"`
		TempDir         string `yaml:"temp_dir"`
		MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
	} `yaml:"pipeline"`
	DatabaseURL string `yaml:"database_url"`
	Redis       struct {
		URL    string `yaml:"url"`
		Queues struct {
			Runs string `yaml:"runs"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Metrics struct {
		PushgatewayURL string `yaml:"pushgateway_url"`
		Job            string `yaml:"job"`
	} `yaml:"metrics"`
	LogLevel string `yaml:"log_level"`
}

// DefaultPath returns the config file location from CONFIG_PATH.
func DefaultPath() string {
	return envOrDefault("CONFIG_PATH", "/app/config/config.yaml")
}

// Load reads configuration from the YAML file at path (with env var
// expansion) and environment variables for settings the file leaves empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		IMAP: IMAPConfig{
			Address:            firstNonEmpty(raw.IMAP.Address, os.Getenv("IMAP_ADDRESS")),
			TLSMode:            strings.ToLower(firstNonEmpty(raw.IMAP.TLS, envOrDefault("IMAP_TLS", imapsource.TLSImplicit))),
			InsecureSkipVerify: raw.IMAP.InsecureSkipVerify,
			Username:           firstNonEmpty(raw.IMAP.Username, os.Getenv("IMAP_USERNAME")),
			Password:           firstNonEmpty(raw.IMAP.Password, os.Getenv("IMAP_PASSWORD")),
			Mailbox:            firstNonEmpty(raw.IMAP.Mailbox, os.Getenv("IMAP_MAILBOX")),
			UnseenOnly:         true,
			Recipient:          firstNonEmpty(raw.IMAP.Recipient, os.Getenv("IMAP_RECIPIENT")),
			DialTimeout:        envOrDefaultDuration("IMAP_DIAL_TIMEOUT", 30*time.Second),
			OAuth2: OAuth2Config{
				ClientID:     raw.IMAP.OAuth2.ClientID,
				ClientSecret: raw.IMAP.OAuth2.ClientSecret,
				TokenURL:     raw.IMAP.OAuth2.TokenURL,
				Scopes:       raw.IMAP.OAuth2.Scopes,
			},
		},
		OpenSearch: OpenSearchConfig{
			URL:         firstNonEmpty(raw.OpenSearch.URL, envOrDefault("OPENSEARCH_URL", "https://localhost:9200")),
			Username:    firstNonEmpty(raw.OpenSearch.Username, os.Getenv("OPENSEARCH_USERNAME")),
			Password:    firstNonEmpty(raw.OpenSearch.Password, os.Getenv("OPENSEARCH_PASSWORD")),
			Insecure:    raw.OpenSearch.Insecure,
			IndexPrefix: firstNonEmpty(raw.OpenSearch.IndexPrefix, envOrDefault("INDEX_PREFIX", "dmarc-")),
			Shards:      raw.OpenSearch.Shards,
			Replicas:    1,
		},
		Pipeline: PipelineConfig{
			Workers:         raw.Pipeline.Workers,
			TempDir:         firstNonEmpty(raw.Pipeline.TempDir, os.Getenv("TEMP_DIR")),
			MaxPayloadBytes: raw.Pipeline.MaxPayloadBytes,
		},
		DatabaseURL:    firstNonEmpty(raw.DatabaseURL, os.Getenv("DATABASE_URL")),
		RedisURL:       firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		RunsQueue:      firstNonEmpty(raw.Redis.Queues.Runs, envOrDefault("RUNS_QUEUE", "dmarc_runs")),
		PushgatewayURL: firstNonEmpty(raw.Metrics.PushgatewayURL, os.Getenv("PUSHGATEWAY_URL")),
		MetricsJob:     firstNonEmpty(raw.Metrics.Job, envOrDefault("METRICS_JOB", "dmarc_ingest")),
		LogLevel:       strings.ToLower(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info"))),
	}

	if raw.IMAP.UnseenOnly != nil {
		cfg.IMAP.UnseenOnly = *raw.IMAP.UnseenOnly
	}
	if raw.IMAP.DialTimeout != "" {
		d, err := time.ParseDuration(raw.IMAP.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse imap.dial_timeout: %w", err)
		}
		cfg.IMAP.DialTimeout = d
	}
	if raw.OpenSearch.Replicas != nil {
		cfg.OpenSearch.Replicas = *raw.OpenSearch.Replicas
	}
	if cfg.OpenSearch.Shards <= 0 {
		cfg.OpenSearch.Shards = 1
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = envOrDefaultInt("PIPELINE_WORKERS", 1)
	}
	if cfg.Pipeline.MaxPayloadBytes <= 0 {
		cfg.Pipeline.MaxPayloadBytes = 20 << 20
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IMAP.Address == "" {
		return fmt.Errorf("imap.address is required")
	}
	switch c.IMAP.TLSMode {
	case imapsource.TLSImplicit, imapsource.TLSStartTLS, imapsource.TLSPlain:
	default:
		return fmt.Errorf("imap.tls must be one of %q, %q or %q, got %q",
			imapsource.TLSImplicit, imapsource.TLSStartTLS, imapsource.TLSPlain, c.IMAP.TLSMode)
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.IMAP.Password == "" && !c.IMAP.OAuth2.Enabled() {
		return fmt.Errorf("imap.password or imap.oauth2 is required")
	}
	if c.OpenSearch.URL == "" {
		return fmt.Errorf("opensearch.url is required")
	}
	return nil
}

// RequireMailbox returns ErrNoMailbox when the run has nothing to read from.
func (c *Config) RequireMailbox() error {
	if strings.TrimSpace(c.IMAP.Mailbox) == "" {
		return ErrNoMailbox
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
