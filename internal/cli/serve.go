package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/docgate/internal/config"
	"github.com/kilupskalvis/docgate/internal/core"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/queue"
	"github.com/kilupskalvis/docgate/internal/retrieval"
	"github.com/kilupskalvis/docgate/internal/server"
	"github.com/kilupskalvis/docgate/internal/tasks"
	"github.com/kilupskalvis/docgate/internal/weaviate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveConfigPath string
	serveListen     string
	serveDataDir    string
	serveLogLevel   string
	serveLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docgate server",
	Long: `Run the docgate server.

Committed documents live in a SQLite database and task records in a bbolt
database, both under the data directory. Settings are read from the TOML file
given by --config, then from DOCGATE_* environment variables, then from flags.

The admin token (admin_token, DOCGATE_ADMIN_TOKEN) enables the /admin/
endpoints for token management and task pruning.

Examples:
  docgate serve
  docgate serve --config /etc/docgate.toml
  docgate serve --listen 0.0.0.0:7700 --data-dir /var/lib/docgate`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveConfigPath, "config", os.Getenv("DOCGATE_CONFIG"), "TOML config file (env: DOCGATE_CONFIG)")
	f.StringVar(&serveListen, "listen", "", "Listen address (host:port)")
	f.StringVar(&serveDataDir, "data-dir", "", "Directory for engine and task data")
	f.StringVar(&serveLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	f.StringVar(&serveLogFormat, "log-format", "", "Log format (json|text)")
}

func runServe(cmd *cobra.Command, _ []string) {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		exitError("%v", err)
	}

	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = serveListen
	}
	if f.Changed("data-dir") {
		cfg.DataDir = serveDataDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = serveLogFormat
	}
	if err := cfg.Validate(); err != nil {
		exitError("%v", err)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// serve runs the server until ctx is done. ready, if set, receives the bound
// address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	sqlite, err := engine.OpenSQLite(cfg.EnginePath())
	if err != nil {
		return err
	}
	defer sqlite.Close()

	eng := engine.NewRetryEngine(sqlite, &engine.RetryConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		JitterFraction: cfg.Retry.JitterFraction,
	})
	eng.OnRetry = func(attempt int, err error) {
		logger.Warn("engine unavailable, retrying", "attempt", attempt, "error", err)
	}

	store, err := tasks.Open(cfg.TasksPath())
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := server.NewFileTokenStore(cfg.TokensPath(), logger)
	if err := tokens.Load(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var observers []queue.Observer
	if len(cfg.Webhook.URLs) > 0 {
		observers = append(observers, server.NewWebhookNotifier(&server.WebhookConfig{
			URLs:   cfg.Webhook.URLs,
			Secret: cfg.Webhook.Secret,
		}, logger))
		logger.Info("webhooks configured", "count", len(cfg.Webhook.URLs))
	}

	var mirror *weaviate.Mirror
	if cfg.Weaviate.URL != "" {
		mirror, err = newMirror(ctx, cfg, sqlite, logger)
		if err != nil {
			return err
		}
		observers = append(observers, mirror)
	}

	q := queue.New(queue.Config{
		Engine:    eng,
		Tasks:     store,
		Metrics:   queue.NewMetrics(reg),
		Observers: observers,
		Logger:    logger,
	})
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	defer q.Close()

	h, cleanup := server.Handler(server.Services{
		Documents: core.NewDocumentService(q, eng, logger),
		Retrieval: retrieval.NewService(eng),
		Tasks:     store,
		Engine:    eng,
		Tokens:    tokens,
		Registry:  reg,
	}, &server.Config{
		MaxRequestBody:    cfg.MaxRequestBody,
		RequestsPerMinute: cfg.RequestsPerMinute,
		AdminToken:        cfg.AdminToken,
		RequireAuth:       cfg.RequireAuth,
	}, logger)
	defer cleanup()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting docgate", "listen", ln.Addr().String(), "data_dir", cfg.DataDir)
		var err error
		if cfg.TLSCert != "" {
			err = srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// workers are stopped before the mirror drains its buffer
		q.Close()
		if mirror != nil {
			mirror.Close()
		}
		return err
	})

	g.Go(func() error {
		server.RunPruner(gctx, store, cfg.Tasks.PruneInterval.Std(), cfg.Tasks.Retention.Std(), logger)
		return nil
	})

	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(context.WithoutCancel(gctx))
		})
	}

	if ready != nil {
		ready(ln.Addr())
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// newMirror connects to Weaviate and checks that it can host the mirror.
func newMirror(ctx context.Context, cfg *config.Config, e engine.Engine, logger *slog.Logger) (*weaviate.Mirror, error) {
	client, err := weaviate.NewClient(cfg.Weaviate.URL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, err
	}

	version, err := client.GetServerVersion(pingCtx)
	if err != nil {
		return nil, err
	}
	if !version.SupportsAutoSchema() {
		return nil, fmt.Errorf("weaviate %s is too old for the mirror, 1.20 or later is required", version.Version)
	}

	logger.Info("weaviate mirror enabled", "url", cfg.Weaviate.URL, "version", version.Version)
	return weaviate.NewMirror(client, e, weaviate.MirrorConfig{
		ClassPrefix: cfg.Weaviate.ClassPrefix,
		Concurrency: cfg.Weaviate.Concurrency,
	}, logger), nil
}
