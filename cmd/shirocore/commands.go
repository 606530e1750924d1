package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yizhixiaokong/shirocore/adapters/console"
	"github.com/yizhixiaokong/shirocore/adapters/httpapi"
	"github.com/yizhixiaokong/shirocore/config"
	"github.com/yizhixiaokong/shirocore/core"
	"github.com/yizhixiaokong/shirocore/plugins"
)

// --- Global flags ---
type options struct {
	configPath  string
	logLevel    string
	http        bool
	console     bool
	traceStdout bool
	heartbeat   time.Duration
}

func newRootCmd() *cobra.Command {
	o := &options{}

	rootCmd := &cobra.Command{
		Use:           "shirocore",
		Short:         "Event ingestion and matcher dispatch engine for chat bots",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(o), newCommandsCmd(o))
	return rootCmd
}

func newRunCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine with the configured adapters until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, o, os.Stdin, os.Stdout, os.Stderr)
		},
	}
	cmd.Flags().BoolVar(&o.http, "http", false, "enable the HTTP/websocket adapter")
	cmd.Flags().BoolVar(&o.console, "console", true, "enable the stdin/stdout console adapter")
	cmd.Flags().BoolVar(&o.traceStdout, "trace-stdout", false, "export trace spans to stderr")
	cmd.Flags().DurationVar(&o.heartbeat, "heartbeat", 0, "emit a heartbeat meta event at this interval (0 disables)")
	return cmd
}

func newCommandsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Print the registered command paths and their matchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			engine, err := buildEngine(cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			printCommands(cmd.OutOrStdout(), engine.Registry())
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if f := cmd.Flags().Lookup("http"); f != nil && f.Changed {
		cfg.HTTP.Enabled = o.http
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// logHandlers 记录每次处理函数执行
func logHandlers(logger *slog.Logger) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(c *core.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("[plugin] handler finished",
				"matcher", c.Matcher.Name(),
				"user", c.Event.UserID,
				"duration", time.Since(start),
				"error", err,
			)
			return err
		}
	}
}

func buildEngine(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*core.Engine, error) {
	opts := append(cfg.EngineOptions(logger), core.WithMetricsRegisterer(reg))
	engine := core.NewEngine(opts...)

	mw := logHandlers(logger)
	for _, p := range []core.Plugin{
		plugins.Ping{Superusers: cfg.Bot.Superusers, Sessions: engine.Sessions()},
		plugins.Echo{},
		plugins.Help{Prefix: cfg.Bot.CommandStart[0]},
		plugins.Remind{},
	} {
		if err := engine.RegisterPlugin(p, mw); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func printCommands(w io.Writer, reg *core.Registry) {
	for _, p := range reg.Trie().Paths() {
		names := make([]string, 0, len(p.Matchers))
		for _, id := range p.Matchers {
			if m, ok := reg.Get(id); ok {
				names = append(names, m.Name())
			}
		}
		fmt.Fprintf(w, "%-24s %s\n", strings.Join(p.Tokens, " "), strings.Join(names, ", "))
	}
}

func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run(ctx context.Context, cfg *config.Config, o *options, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger(cfg.Log, errOut)
	slog.SetDefault(logger)

	if o.traceStdout {
		shutdown, err := setupTracing(errOut)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := buildEngine(cfg, logger, reg)
	if err != nil {
		return err
	}

	if o.console {
		if err := engine.RegisterAdapter(console.New(in, out, console.WithLogger(logger))); err != nil {
			return err
		}
	}
	if cfg.HTTP.Enabled {
		api := httpapi.New(cfg.HTTP.Listen, engine,
			httpapi.WithLogger(logger),
			httpapi.WithGatherer(reg),
		)
		if err := engine.RegisterAdapter(api); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.heartbeat > 0 {
		go engine.Every(ctx, o.heartbeat, func(now time.Time) (core.Event, bool) {
			return core.Event{
				Type:           core.EventTypeMeta,
				SubType:        "heartbeat",
				Adapter:        "scheduler",
				ConversationID: "heartbeat",
				Time:           now,
			}, true
		})
	}

	logger.Info("shirocore started", "console", o.console, "http", cfg.HTTP.Enabled)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shirocore stopped")
	return nil
}
