package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

// Environment variable names.
const (
	EnvConfigFile         = "CONFIG_FILE"
	EnvDBPath             = "DB_PATH"
	EnvHTTPAddr           = "HTTP_ADDR"
	EnvAPIKey             = "API_KEY"
	EnvPollSeconds        = "POLL_SECONDS"
	EnvAPILimit           = "API_LIMIT_PER_SOURCE"
	EnvLookbackDays       = "NEW_SOURCE_LOOKBACK_DAYS"
	EnvRetryAfterSeconds  = "RETRY_FAILED_AFTER_SECONDS"
	EnvRetrySchedule      = "RETRY_SCHEDULE"
	EnvRelayProbeSchedule = "RELAY_PROBE_SCHEDULE"
	EnvRelayTimeout       = "RELAY_TIMEOUT_SECONDS"
	EnvHTTPTimeout        = "HTTP_TIMEOUT_SECONDS"
	EnvEnrichRate         = "ENRICH_RATE_PER_SECOND"
	EnvNsec               = "NOSTR_NSEC"
	EnvNsecFile           = "NSEC_FILE"
	EnvRelays             = "RELAYS"
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFormat          = "LOG_FORMAT"
)

var defaults = map[string]string{
	EnvDBPath:             "peertube_to_nostr.db",
	EnvHTTPAddr:           ":8080",
	EnvPollSeconds:        "300",
	EnvAPILimit:           "50",
	EnvLookbackDays:       "30",
	EnvRetryAfterSeconds:  "3600",
	EnvRetrySchedule:      "@every 1m",
	EnvRelayProbeSchedule: "@every 10m",
	EnvRelayTimeout:       "6",
	EnvHTTPTimeout:        "15",
	EnvEnrichRate:         "4",
	EnvLogLevel:           "info",
	EnvLogFormat:          "json",
}

// Config holds all configuration for the bridge.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string

	// HTTPAddr is the status server listen address. Empty disables it.
	HTTPAddr string

	// APIKey guards the operator endpoints when set.
	APIKey string

	// PollInterval is the sleep between runner iterations.
	PollInterval time.Duration

	// APILimit is the page size requested per source.
	APILimit int

	// LookbackDays limits a new source's first poll. Zero disables it.
	LookbackDays int

	// RetryFailedAfter is the age at which failed videos are requeued. Zero
	// disables retries.
	RetryFailedAfter time.Duration

	RetrySchedule      cron.Schedule
	RelayProbeSchedule cron.Schedule

	// RelayTimeout bounds one relay round trip.
	RelayTimeout time.Duration

	// HTTPTimeout bounds one upstream request.
	HTTPTimeout time.Duration

	// EnrichRate is the per-item enrichment rate in requests per second.
	EnrichRate float64

	// Nsec is a credential supplied through the environment. It takes
	// precedence over NsecFile.
	Nsec string

	// NsecFile is where the credential is stored.
	NsecFile string

	// Relays overrides the stored relay list when non-empty.
	Relays []string

	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from built-in defaults, the YAML file named by
// CONFIG_FILE, a .env file in the working directory and the process
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return load(os.LookupEnv, ".env")
}

func load(lookup func(string) (string, bool), dotenvPath string) (*Config, error) {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}

	dotenv, err := readDotenv(dotenvPath)
	if err != nil {
		return nil, err
	}

	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if path, ok := get(EnvConfigFile); ok && path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range file {
			values[k] = v
		}
	}
	for k, v := range dotenv {
		values[k] = v
	}
	for _, k := range knownKeys() {
		if v, ok := lookup(k); ok {
			values[k] = v
		}
	}

	return parse(values)
}

func knownKeys() []string {
	return []string{
		EnvDBPath, EnvHTTPAddr, EnvAPIKey, EnvPollSeconds, EnvAPILimit,
		EnvLookbackDays, EnvRetryAfterSeconds, EnvRetrySchedule,
		EnvRelayProbeSchedule, EnvRelayTimeout, EnvHTTPTimeout, EnvEnrichRate,
		EnvNsec, EnvNsecFile, EnvRelays, EnvLogLevel, EnvLogFormat,
	}
}

func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	m, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// readFile decodes a flat YAML mapping. Keys are the environment names in
// any case, so db_path and DB_PATH are equivalent.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	raw := map[string]string{}
	if err := yaml.NewDecoder(bytes.NewReader(b)).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

func parse(v map[string]string) (*Config, error) {
	cfg := &Config{
		DBPath:    strings.TrimSpace(v[EnvDBPath]),
		HTTPAddr:  strings.TrimSpace(v[EnvHTTPAddr]),
		APIKey:    strings.TrimSpace(v[EnvAPIKey]),
		Nsec:      strings.TrimSpace(v[EnvNsec]),
		NsecFile:  strings.TrimSpace(v[EnvNsecFile]),
		LogFormat: strings.ToLower(strings.TrimSpace(v[EnvLogFormat])),
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%s is required", EnvDBPath)
	}
	if cfg.NsecFile == "" {
		cfg.NsecFile = cfg.DBPath + ".nsec"
	}

	var err error
	if cfg.PollInterval, err = seconds(v, EnvPollSeconds); err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		return nil, fmt.Errorf("invalid %s: must be positive", EnvPollSeconds)
	}
	if cfg.RetryFailedAfter, err = seconds(v, EnvRetryAfterSeconds); err != nil {
		return nil, err
	}
	if cfg.RelayTimeout, err = seconds(v, EnvRelayTimeout); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = seconds(v, EnvHTTPTimeout); err != nil {
		return nil, err
	}

	if cfg.APILimit, err = integer(v, EnvAPILimit); err != nil {
		return nil, err
	}
	cfg.APILimit = min(max(cfg.APILimit, 1), 100)
	if cfg.LookbackDays, err = integer(v, EnvLookbackDays); err != nil {
		return nil, err
	}
	if cfg.LookbackDays < 0 {
		return nil, fmt.Errorf("invalid %s: must not be negative", EnvLookbackDays)
	}

	cfg.EnrichRate, err = strconv.ParseFloat(strings.TrimSpace(v[EnvEnrichRate]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvEnrichRate, err)
	}

	if cfg.RetrySchedule, err = schedule(v, EnvRetrySchedule); err != nil {
		return nil, err
	}
	if cfg.RelayProbeSchedule, err = schedule(v, EnvRelayProbeSchedule); err != nil {
		return nil, err
	}

	if cfg.Relays, err = relays(v[EnvRelays]); err != nil {
		return nil, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(v[EnvLogLevel]))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvLogLevel, err)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("invalid %s: %q (want json or text)", EnvLogFormat, cfg.LogFormat)
	}

	return cfg, nil
}

func integer(v map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v[key]))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func seconds(v map[string]string, key string) (time.Duration, error) {
	n, err := integer(v, key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return time.Duration(n) * time.Second, nil
}

func schedule(v map[string]string, key string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(strings.TrimSpace(v[key]))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return s, nil
}

func relays(list string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, raw := range strings.Split(list, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, err := urlnorm.Relay(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", EnvRelays, raw, err)
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
