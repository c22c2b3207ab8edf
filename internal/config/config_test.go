package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the flowstate config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "flowstate")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "clarify", cfg.Router.FallbackPolicy)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.ClaimTTL.Duration())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  port: 8088
store:
  backend: memory
  timeout: 750ms
orchestrator:
  claim_ttl: 90s
  stage_timeout: 1m
router:
  fallback_policy: pattern
  classifier:
    provider: llm
    model: gpt-4o-mini
    api_key: sk-test
catalog:
  risk_report: Summarize portfolio risk
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Store.Timeout.Duration())
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.ClaimTTL.Duration())
	assert.Equal(t, time.Minute, cfg.Orchestrator.StageTimeout.Duration())
	assert.Equal(t, "pattern", cfg.Router.FallbackPolicy)
	assert.Equal(t, "sk-test", cfg.Router.Classifier.APIKey.Value())
	assert.Equal(t, "Summarize portfolio risk", cfg.Catalog["risk_report"])
	// untouched keys keep their defaults
	assert.Equal(t, "flowstate_sessions", cfg.Store.SessionBucket)
	assert.Equal(t, "[[continue]]", cfg.Router.Sentinel)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0600)

	t.Setenv("FLOWSTATE_SERVER_PORT", "7000")
	t.Setenv("FLOWSTATE_ORCHESTRATOR_CLAIM_TTL", "45s")
	t.Setenv("FLOWSTATE_ORCHESTRATOR_STAGE_TIMEOUT", "15s")
	t.Setenv("FLOWSTATE_ROUTER_CLASSIFIER__PROVIDER", "embedding")
	t.Setenv("FLOWSTATE_ROUTER_CLASSIFIER__MODEL", "text-embedding-3-small")
	t.Setenv("FLOWSTATE_CATALOG_EXPORT_CSV", "Export results as CSV")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.ClaimTTL.Duration())
	assert.Equal(t, "embedding", cfg.Router.Classifier.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Router.Classifier.Model)
	assert.Equal(t, "Export results as CSV", cfg.Catalog["export_csv"])
}

func TestLoad_FileChecks(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, dir string) string
		wantErr string
	}{
		{
			name: "world readable",
			setup: func(t *testing.T, dir string) string {
				return writeConfig(t, dir, "server:\n  port: 1\n", 0644)
			},
			wantErr: "insecure config file permissions",
		},
		{
			name: "outside allowed dirs",
			setup: func(t *testing.T, _ string) string {
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
				return path
			},
			wantErr: "must be in",
		},
		{
			name: "explicit missing",
			setup: func(_ *testing.T, dir string) string {
				return filepath.Join(dir, "missing.yaml")
			},
			wantErr: "no such file",
		},
		{
			name: "invalid value",
			setup: func(t *testing.T, dir string) string {
				return writeConfig(t, dir, "router:\n  fallback_policy: guess\n", 0600)
			},
			wantErr: "router.fallback_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestHome(t)
			_, err := Load(tt.setup(t, dir))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"same buckets", func(c *Config) { c.Store.EvidenceBucket = c.Store.SessionBucket }, "must differ"},
		{"zero claim ttl", func(c *Config) { c.Orchestrator.ClaimTTL = 0 }, "claim_ttl"},
		{"zero stage timeout", func(c *Config) { c.Orchestrator.StageTimeout = 0 }, "stage_timeout"},
		{"claim ttl below stage timeout", func(c *Config) {
			c.Orchestrator.ClaimTTL = Duration(30 * time.Second)
			c.Orchestrator.StageTimeout = Duration(5 * time.Minute)
		}, "claim_ttl must be at least"},
		{"claim ttl without margin", func(c *Config) {
			c.Orchestrator.ClaimTTL = Duration(5 * time.Minute)
			c.Orchestrator.StageTimeout = Duration(5 * time.Minute)
		}, "claim_ttl must be at least"},
		{"claim ttl at margin", func(c *Config) {
			c.Orchestrator.ClaimTTL = Duration(5*time.Minute + 30*time.Second)
			c.Orchestrator.StageTimeout = Duration(5 * time.Minute)
		}, ""},
		{"threshold range", func(c *Config) { c.Router.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"no label sets", func(c *Config) { c.Router.Classifier.LabelSets = 0 }, "label_sets"},
		{"llm without model", func(c *Config) { c.Router.Classifier.Provider = "llm" }, "model is required"},
		{"http without url", func(c *Config) { c.Stages.Transport = "http" }, "stages.base_url"},
		{"bad tool name", func(c *Config) { c.Catalog["Risk Report"] = "x" }, "tool name"},
		{"empty tool description", func(c *Config) { c.Catalog["risk_report"] = "" }, "needs a description"},
		{"memory backend", func(c *Config) { c.Store.Backend = "memory" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("sk-very-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-very-secret")

	out, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-very-secret")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())

	var loaded Secret
	require.NoError(t, loaded.UnmarshalText([]byte(" sk-from-file\n")))
	assert.Equal(t, "sk-from-file", loaded.Value())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("600")))
	assert.Equal(t, 10*time.Minute, d.Duration())
	assert.Equal(t, "10m0s", d.String())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-5")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
