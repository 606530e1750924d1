// Package config loads shirocore configuration from defaults, an optional
// YAML file and SHIROCORE_ environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"

	"github.com/yizhixiaokong/shirocore/core"
)

// EnvPrefix environment variables override file values; "__" separates nesting,
// e.g. SHIROCORE_SESSION__CONTINUATION_TTL=30s.
const EnvPrefix = "SHIROCORE_"

var configValidate = validator.New()

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Bot       BotConfig       `koanf:"bot"`
	Session   SessionConfig   `koanf:"session"`
	Engine    EngineConfig    `koanf:"engine"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	HTTP      HTTPConfig      `koanf:"http"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type BotConfig struct {
	Nicknames        []string `koanf:"nicknames"`
	Superusers       []string `koanf:"superusers"`
	CommandStart     []string `koanf:"command_start" validate:"min=1"`
	CommandSeparator string   `koanf:"command_separator"`
}

type SessionConfig struct {
	TTL                time.Duration `koanf:"ttl" validate:"gte=0"`
	ContinuationTTL    time.Duration `koanf:"continuation_ttl" validate:"gte=0"`
	SweepInterval      time.Duration `koanf:"sweep_interval" validate:"gte=0"`
	ContinuationPolicy string        `koanf:"continuation_policy" validate:"oneof=block fallthrough"`
}

type EngineConfig struct {
	Workers         int           `koanf:"workers" validate:"gte=1"`
	QueueSize       int           `koanf:"queue_size" validate:"gte=1"`
	TaskQueueSize   int           `koanf:"task_queue_size" validate:"gte=1"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	Rate    float64 `koanf:"rate" validate:"gte=0"`
	Burst   int     `koanf:"burst" validate:"gte=0"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen" validate:"required_if=Enabled true"`
}

// Defaults 默认配置 (扁平键)
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"log.level":                   "info",
		"log.format":                  "text",
		"bot.nicknames":               []string{},
		"bot.superusers":              []string{},
		"bot.command_start":           []string{"/"},
		"bot.command_separator":       ".",
		"session.ttl":                 "2m",
		"session.continuation_ttl":    "2m",
		"session.sweep_interval":      "1m",
		"session.continuation_policy": string(core.ContinuationBlock),
		"engine.workers":              100,
		"engine.queue_size":           100,
		"engine.task_queue_size":      1000,
		"engine.shutdown_timeout":     "10s",
		"ratelimit.enabled":           false,
		"ratelimit.rate":              5.0,
		"ratelimit.burst":             10,
		"http.enabled":                false,
		"http.listen":                 ":8080",
	}
}

// Load 依次合并默认值, YAML 文件 (path 非空时) 与环境变量
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	// 3. Env vars
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Unmarshal
	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// 5. Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SlogLevel 日志级别
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Preprocessors 由配置构造的事件预处理器
func (c *Config) Preprocessors() []core.Preprocessor {
	pres := []core.Preprocessor{core.MentionPreprocessor()}
	if len(c.Bot.Nicknames) > 0 {
		pres = append(pres, core.NicknamePreprocessor(c.Bot.Nicknames...))
	}
	if c.RateLimit.Enabled && c.RateLimit.Rate > 0 {
		pres = append(pres, core.RateLimitPreprocessor(rate.Limit(c.RateLimit.Rate), c.RateLimit.Burst))
	}
	return pres
}

// EngineOptions 转换为引擎选项
func (c *Config) EngineOptions(logger *slog.Logger) []core.EngineOption {
	return []core.EngineOption{
		core.WithLogger(logger),
		core.WithWorkerPoolSize(c.Engine.Workers),
		core.WithQueueSize(c.Engine.QueueSize),
		core.WithTaskQueueSize(c.Engine.TaskQueueSize),
		core.WithShutdownTimeout(c.Engine.ShutdownTimeout),
		core.WithSessionTTL(c.Session.TTL),
		core.WithContinuationTTL(c.Session.ContinuationTTL),
		core.WithContinuationPolicy(core.ContinuationPolicy(c.Session.ContinuationPolicy)),
		core.WithSweepInterval(c.Session.SweepInterval),
		core.WithCommandStart(c.Bot.CommandStart...),
		core.WithCommandSeparator(c.Bot.CommandSeparator),
		core.WithPreprocessors(c.Preprocessors()...),
	}
}
