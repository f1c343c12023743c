package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(nil), "")
	require.NoError(t, err)

	assert.Equal(t, "peertube_to_nostr.db", cfg.DBPath)
	assert.Equal(t, "peertube_to_nostr.db.nsec", cfg.NsecFile)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 300*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.APILimit)
	assert.Equal(t, 30, cfg.LookbackDays)
	assert.Equal(t, time.Hour, cfg.RetryFailedAfter)
	assert.Equal(t, 6*time.Second, cfg.RelayTimeout)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 4.0, cfg.EnrichRate)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.Relays)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(10*time.Minute), cfg.RelayProbeSchedule.Next(base))
	assert.Equal(t, base.Add(time.Minute), cfg.RetrySchedule.Next(base))
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(
		"db_path: /data/from-yaml.db\npoll_seconds: 60\napi_limit_per_source: 500\nlog_level: debug\n"), 0o644))

	dotenvPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenvPath, []byte(
		"CONFIG_FILE="+yamlPath+"\nPOLL_SECONDS=90\nRELAYS=wss://Relay.Example:443/, wss://relay.example\n"), 0o644))

	cfg, err := load(envMap(map[string]string{
		EnvPollSeconds: "120",
		EnvNsec:        " nsec1xyz ",
	}), dotenvPath)
	require.NoError(t, err)

	assert.Equal(t, "/data/from-yaml.db", cfg.DBPath, "yaml overrides defaults")
	assert.Equal(t, "/data/from-yaml.db.nsec", cfg.NsecFile)
	assert.Equal(t, 120*time.Second, cfg.PollInterval, "environment wins over .env and yaml")
	assert.Equal(t, 100, cfg.APILimit, "limit is clamped")
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "nsec1xyz", cfg.Nsec)
	assert.Equal(t, []string{"wss://relay.example/"}, cfg.Relays)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"bad integer":     {EnvPollSeconds: "soon"},
		"zero poll":       {EnvPollSeconds: "0"},
		"negative retry":  {EnvRetryAfterSeconds: "-1"},
		"negative days":   {EnvLookbackDays: "-3"},
		"bad schedule":    {EnvRetrySchedule: "every minute"},
		"bad relay":       {EnvRelays: "https://not-a-relay.example"},
		"bad level":       {EnvLogLevel: "chatty"},
		"bad format":      {EnvLogFormat: "xml"},
		"bad enrich rate": {EnvEnrichRate: "fast"},
		"empty db path":   {EnvDBPath: " "},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(envMap(env), "")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := load(envMap(map[string]string{EnvConfigFile: "/nonexistent/bridge.yaml"}), "")
	assert.Error(t, err)
}
