// Recalld serves multi-backend vector retrieval over HTTP.
//
// Configuration is read from ~/.config/recalld/config.yaml (or --config)
// and RECALLD_* environment variables. See internal/config for the keys.
//
// Usage:
//
//	# Start server with defaults
//	recalld
//
//	# Configure via environment
//	RECALLD_SERVER_PORT=9191 RECALLD_VECTORSTORE_PROVIDER=qdrant recalld
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "recalld",
	Short:        "Multi-backend vector retrieval server",
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "recalld by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/recalld/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// run starts the server and blocks until ctx is cancelled.
//
//  1. Loads configuration
//  2. Initializes telemetry and the logger
//  3. Opens the retrieval engine (stores open lazily)
//  4. Serves HTTP until ctx is done, then shuts down within the
//     configured timeout
func run(ctx context.Context, path string) error {
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), nil)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	engine, err := retrieval.Open(cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("opening retrieval engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn(context.Background(), "closing engine", zap.Error(err))
		}
	}()

	srv, err := http.NewServer(engine, logger, &http.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
		BodyLimit:      cfg.Server.BodyLimit,
		Version:        version,
		Telemetry:      tel.Health,
	})
	if err != nil {
		return err
	}

	watcher := watchLogLevel(ctx, path, logger)
	if watcher != nil {
		defer watcher.Stop()
	}

	status := engine.Status()
	logger.Info(ctx, "starting recalld",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("default_provider", status.DefaultProvider),
		zap.String("embedder", status.Embedder),
		zap.Bool("keyword", status.Keyword),
		zap.Bool("reranker", status.Reranker),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if terr := tel.Shutdown(shutdownCtx); terr != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown", zap.Error(terr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

// watchLogLevel applies logging.level edits from the config file while the
// server runs. Other settings need a restart. It returns nil when the config
// directory cannot be watched.
func watchLogLevel(ctx context.Context, path string, logger *logging.Logger) *config.Watcher {
	w, err := config.NewWatcher(path,
		func(c *config.Config) {
			lvl, err := logging.LevelFromString(c.Logging.Level)
			if err != nil {
				logger.Warn(ctx, "ignoring config reload", zap.Error(err))
				return
			}
			if prev := logger.Level(); lvl != prev {
				logger.SetLevel(lvl)
				logger.Info(ctx, "log level changed",
					zap.String("from", logging.LevelName(prev)),
					zap.String("to", logging.LevelName(lvl)),
				)
			}
		},
		func(err error) {
			logger.Warn(ctx, "config reload failed", zap.Error(err))
		},
	)
	if err != nil {
		logger.Debug(ctx, "config watching disabled", zap.Error(err))
		return nil
	}
	w.Start(ctx)
	return w
}
