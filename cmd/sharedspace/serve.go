package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sharedspace/internal/app"
	"github.com/MrWong99/sharedspace/internal/config"
	"github.com/MrWong99/sharedspace/internal/observe"
	"github.com/MrWong99/sharedspace/internal/ratelimit"
)

// newServeCmd runs the HTTP server.
func newServeCmd() *cobra.Command {
	var watchInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Start the HTTP server. The configuration file is watched; log level,
analysis and rate-limit changes apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "how often the config file is checked for changes (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, watchInterval time.Duration) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), lv))

	slog.Info("sharedspace starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	slog.Debug("built-in providers",
		"embeddings", strings.Join(reg.EmbeddingsNames(), ","),
		"llm", strings.Join(reg.LLMNames(), ","),
	)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(lv),
		app.WithMetricsHandler(tel.MetricsHandler),
	)
	if err != nil {
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchInterval > 0 {
		watcher, err := config.NewWatcher(configPath, application.ApplyConfig, config.WithInterval(watchInterval))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, runErr)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      sharedspace startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "Embeddings", cfg.Providers.Embeddings.Name, "")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Fprintf(w, "║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	models := len(cfg.Analysis.Models)
	if models == 0 {
		fmt.Fprintf(w, "║  Models          : %-19s ║\n", "(defaults)")
	} else {
		fmt.Fprintf(w, "║  Models          : %-19d ║\n", models)
	}
	if cfg.RateLimit.Requests > 0 {
		fmt.Fprintf(w, "║  Rate limit      : %-19s ║\n", fmt.Sprintf("%d / %s", cfg.RateLimit.Requests, windowOrDefault(cfg.RateLimit.Window)))
	} else {
		fmt.Fprintf(w, "║  Rate limit      : %-19s ║\n", "(disabled)")
	}
	if cfg.Cache.Enabled {
		fmt.Fprintf(w, "║  Embedding cache : %-19s ║\n", "enabled")
	} else {
		fmt.Fprintf(w, "║  Embedding cache : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// windowOrDefault renders the rate-limit window, resolving zero to the
// limiter default.
func windowOrDefault(d time.Duration) string {
	if d <= 0 {
		d = ratelimit.DefaultWindow
	}
	return d.String()
}
