package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/nodeflow/bus"
	"github.com/petal-labs/nodeflow/config"
	"github.com/petal-labs/nodeflow/nodes"
	nodeflowotel "github.com/petal-labs/nodeflow/otel"
	"github.com/petal-labs/nodeflow/realtime"
	"github.com/petal-labs/nodeflow/runtime"
	"github.com/petal-labs/nodeflow/server"
	"github.com/petal-labs/nodeflow/store"
	"github.com/petal-labs/nodeflow/trigger"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow API server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to nodeflow.yaml (default: ./nodeflow.yaml, then ~/.nodeflow/config.yaml)")
	cmd.Flags().String("addr", "", "Listen address, e.g. :8080")
	cmd.Flags().String("storage", "", "Workflow storage driver: memory | sqlite | postgres")
	cmd.Flags().String("sqlite-path", "", "Path to the SQLite workflow database")
	cmd.Flags().String("database-url", "", "Postgres connection string")
	cmd.Flags().String("events-path", "", "Path to the SQLite run event database (default: in memory)")
	cmd.Flags().String("nats-url", "", "Queue triggers through NATS at this URL")
	cmd.Flags().Int("workers", 0, "Concurrent workflow runs")
	cmd.Flags().StringArray("cors-origin", nil, "Allowed CORS origin (repeatable, default: any)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps SSE streams open)")
	cmd.Flags().Int64("max-body", server.DefaultMaxBody, "Max request body size in bytes")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Grace period for in-flight runs on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveServeConfig(cmd, os.Getenv)
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newServeLogger(cmd.ErrOrStderr(), verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := nodeflowotel.Setup(ctx, nodeflowotel.Config{
		ServiceName: cfg.OTel.ServiceName,
		Endpoint:    cfg.OTel.Endpoint,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		_ = telemetry.Shutdown(context.Background())
	}()

	workflowStore, closeStore, err := openWorkflowStore(ctx, cfg.Storage)
	if err != nil {
		return exitError(exitRuntime, "opening workflow store: %v", err)
	}
	defer func() {
		_ = closeStore()
	}()

	es, closeEvents, err := openEventStore(cfg.Events)
	if err != nil {
		return exitError(exitRuntime, "opening event store: %v", err)
	}
	defer func() {
		_ = closeEvents()
	}()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()
	drainEvents := persistEvents(eb, es, logger)

	pruner, err := bus.NewPruner(bus.PrunerConfig{
		Store:     es,
		Schedule:  cfg.Events.PruneSchedule,
		MaxAge:    cfg.Events.MaxAge,
		MaxPerRun: cfg.Events.MaxPerRun,
		Logger:    logger,
	})
	if err != nil {
		return exitError(exitValidation, "event retention: %v", err)
	}
	pruner.Start()
	defer func() {
		_ = pruner.Stop(context.Background())
	}()

	channels := realtime.NewDefaultRegistry()
	var tokens *realtime.TokenService
	if cfg.Realtime.Secret != "" {
		tokens, err = realtime.NewTokenService([]byte(cfg.Realtime.Secret), channels, realtime.WithTTL(cfg.Realtime.TokenTTL))
		if err != nil {
			return exitError(exitValidation, "realtime tokens: %v", err)
		}
	} else {
		logger.Warn("realtime.secret is not set; status streams are disabled")
	}

	metrics := server.NewMetrics(nil)
	orch := runtime.NewOrchestrator(
		store.Loader{Store: workflowStore},
		nodes.NewRegistry(nodes.Deps{
			Credentials: nodes.ChainCredentials{nodes.MapCredentials(cfg.Credentials), nodes.EnvCredentials{}},
			Logger:      logger,
		}),
		runtime.Options{
			Logger:                logger,
			EventHandler:          runtime.MultiEventHandler(telemetry.Handler(), metrics.Observe),
			EventEmitterDecorator: telemetry.Decorator(),
			EventBus:              eb,
			SinkFactory:           channels.SinkFactory(),
		},
	)

	pool, err := trigger.NewPool(trigger.PoolConfig{
		Runner:    orch,
		Workers:   cfg.Trigger.Workers,
		QueueSize: cfg.Trigger.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return exitError(exitValidation, "trigger pool: %v", err)
	}

	var dispatcher trigger.Dispatcher = pool
	var consumer *trigger.NATSConsumer
	if cfg.Trigger.NATSURL != "" {
		conn, err := trigger.Connect(cfg.Trigger.NATSURL, "nodeflow")
		if err != nil {
			return exitError(exitRuntime, "connecting to NATS: %v", err)
		}
		defer conn.Close()

		consumer, err = trigger.NewNATSConsumer(trigger.NATSConsumerConfig{
			Conn:       conn,
			Dispatcher: pool,
			Logger:     logger,
		})
		if err != nil {
			return exitError(exitRuntime, "nats consumer: %v", err)
		}
		if err := consumer.Start(); err != nil {
			return exitError(exitRuntime, "%v", err)
		}
		dispatcher = trigger.NewNATSDispatcher(conn)
		logger.Info("triggers queued through NATS", "url", cfg.Trigger.NATSURL, "subject", trigger.Subject)
	}

	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	srv := server.NewServer(server.Config{
		Store:        workflowStore,
		Dispatcher:   dispatcher,
		Tokens:       tokens,
		Channels:     channels,
		Bus:          eb,
		EventStore:   es,
		StripeSecret: cfg.Webhooks.StripeSecret,
		Metrics:      metrics,
		CORSOrigins:  cfg.CORSOrigins,
		MaxBody:      maxBody,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nodeflow listening", "addr", cfg.Addr, "storage", cfg.Storage.Driver)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = exitError(exitRuntime, "server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = exitError(exitRuntime, "shutdown error: %v", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("draining NATS subscription", "error", err)
		}
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("in-flight runs canceled", "error", err)
	}
	if err := drainEvents(shutdownCtx); err != nil {
		logger.Warn("run events not fully persisted", "error", err)
	}
	return serveErr
}

// persistEvents writes every bus event to es. It does not stop on the
// signal context: runs drained by pool.Close still publish. The returned
// drain closes eb and waits until the backlog is stored or ctx is done.
func persistEvents(eb bus.EventBus, es bus.EventStore, logger *slog.Logger) func(context.Context) error {
	sub := eb.SubscribeAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.NewStoreSubscriber(es, logger).Consume(context.Background(), sub)
	}()
	return func(ctx context.Context) error {
		if err := eb.Close(); err != nil {
			return err
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("persisting run events: %w", ctx.Err())
		}
	}
}

// resolveServeConfig layers the config file, NODEFLOW_* variables and
// explicitly set flags, in that order.
func resolveServeConfig(cmd *cobra.Command, getenv func(string) string) (config.Config, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	path, _, err := config.Discover(explicitPath)
	if err != nil {
		return config.Config{}, exitError(exitFileNotFound, "%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitInputParse, "%v", err)
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, exitError(exitInputParse, "%v", err)
	}

	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setString("addr", &cfg.Addr)
	setString("storage", &cfg.Storage.Driver)
	setString("sqlite-path", &cfg.Storage.Path)
	setString("events-path", &cfg.Events.Path)
	setString("nats-url", &cfg.Trigger.NATSURL)
	if flags.Changed("database-url") {
		cfg.Storage.URL, _ = flags.GetString("database-url")
		if !flags.Changed("storage") {
			cfg.Storage.Driver = config.DriverPostgres
		}
	}
	if flags.Changed("workers") {
		cfg.Trigger.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigins, _ = flags.GetStringArray("cors-origin")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitError(exitValidation, "invalid configuration: %v", err)
	}
	return cfg, nil
}

// newServeLogger logs JSON by default and readable text at debug level
// when verbose.
func newServeLogger(w io.Writer, verbose bool) *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func openWorkflowStore(ctx context.Context, cfg config.StorageConfig) (store.WorkflowStore, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, store.PostgresStoreConfig{URL: cfg.URL})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory, "":
		return store.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// eventStore is what serve needs from a run event store.
type eventStore interface {
	bus.EventStore
	bus.Prunable
}

func openEventStore(cfg config.EventsConfig) (eventStore, func() error, error) {
	if cfg.Path == "" {
		return bus.NewMemEventStore(), func() error { return nil }, nil
	}
	s, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: cfg.Path})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
