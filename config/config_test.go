package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yizhixiaokong/shirocore/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shirocore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	assert.Equal(t, []string{"/"}, cfg.Bot.CommandStart)
	assert.Equal(t, ".", cfg.Bot.CommandSeparator)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Session.ContinuationTTL)
	assert.Equal(t, "block", cfg.Session.ContinuationPolicy)
	assert.Equal(t, 100, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Second, cfg.Engine.ShutdownTimeout)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
bot:
  nicknames: [shiro, 小白]
  superusers: ["10001"]
  command_start: ["/", "!"]
session:
  ttl: 5m
  continuation_policy: fallthrough
engine:
  workers: 8
ratelimit:
  enabled: true
  rate: 1.5
  burst: 3
`)
	t.Setenv("SHIROCORE_SESSION__CONTINUATION_TTL", "30s")
	t.Setenv("SHIROCORE_ENGINE__QUEUE_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"shiro", "小白"}, cfg.Bot.Nicknames)
	assert.Equal(t, []string{"10001"}, cfg.Bot.Superusers)
	assert.Equal(t, []string{"/", "!"}, cfg.Bot.CommandStart)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 30*time.Second, cfg.Session.ContinuationTTL, "env overrides file")
	assert.Equal(t, "fallthrough", cfg.Session.ContinuationPolicy)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 7, cfg.Engine.QueueSize)
	assert.Equal(t, 1000, cfg.Engine.TaskQueueSize, "unset keys keep defaults")

	assert.Len(t, cfg.Preprocessors(), 3, "mention, nickname and rate limit")
	assert.NotEmpty(t, cfg.EngineOptions(slog.Default()))
}

func TestLoad_EnvList(t *testing.T) {
	t.Setenv("SHIROCORE_BOT__SUPERUSERS", "1,2,3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, cfg.Bot.Superusers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"policy", "session:\n  continuation_policy: sometimes\n"},
		{"log level", "log:\n  level: loud\n"},
		{"workers", "engine:\n  workers: 0\n"},
		{"no command start", "bot:\n  command_start: []\n"},
		{"http without listen", "http:\n  enabled: true\n  listen: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_EngineOptionsApply(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Session.ContinuationPolicy = "fallthrough"
	cfg.Engine.Workers = 3

	var ecfg core.EngineConfig
	for _, opt := range cfg.EngineOptions(slog.Default()) {
		opt(&ecfg)
	}
	assert.Equal(t, core.ContinuationFallThrough, ecfg.ContinuationPolicy)
	assert.Equal(t, 3, ecfg.WorkerPoolSize)
	assert.Equal(t, []string{"/"}, ecfg.CommandStart)
	assert.Len(t, ecfg.Preprocessors, 1, "only the mention preprocessor by default")
}
