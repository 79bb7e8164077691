package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jittakal/eventpipe/internal/archive"
	"github.com/jittakal/eventpipe/internal/config"
	"github.com/jittakal/eventpipe/internal/config/dto"
	"github.com/jittakal/eventpipe/internal/observability"
	"github.com/jittakal/eventpipe/internal/provider"
	"github.com/jittakal/eventpipe/internal/server"
	"github.com/jittakal/eventpipe/internal/session"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/internal/sink"
	"github.com/jittakal/eventpipe/pkg/event"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "config/application.yaml"

// Load events are defined once on the load provider.
const (
	loadEventID      = 1
	loadEventName    = "LoadEvent"
	loadEventKeyword = event.Keywords(1)
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "eventpipe",
		Short: "In-process event tracing sessions with a binary stream format",
		Long: `eventpipe runs tracing sessions that collect events from providers into
per-thread buffers and serialize them as a self-describing binary stream
to a file, object store, memory or Kafka sink.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventpipe %s\n", version)
		},
	}
}

func newRunCommand() *cobra.Command {
	loader := config.NewLoader()
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tracing session under the built-in load generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), loader, resolveConfigPath(configPath))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to configuration file (default $CONFIG_PATH or "+defaultConfigPath+")")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("sink", "", "sink backend (file, memory, s3, gcs, azure, kafka)")
	flags.Int("threads", 0, "load generator threads")
	flags.Int("duration", 0, "seconds to keep the session enabled after the load finishes")

	if err := bindFlags(loader.Viper(), flags); err != nil {
		panic(err)
	}
	return cmd
}

// bindFlags maps command-line flags onto configuration keys. A flag only
// overrides the file and environment when it is set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"log-level": "observability.logging.level",
		"sink":      "sink.backend",
		"threads":   "load.threads",
		"duration":  "load.duration_seconds",
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// resolveConfigPath picks the flag, then CONFIG_PATH, then the default path.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return defaultConfigPath
}

// collectors holds the metrics sinks handed to each component. They stay
// nil when metrics are disabled.
type collectors struct {
	session session.MetricsCollector
	sink    sink.MetricsCollector
	archive archive.MetricsCollector
}

func newCollectors(cfg dto.MetricsConfig, registry *prometheus.Registry) collectors {
	if !cfg.Enabled {
		return collectors{}
	}
	m := observability.NewMetrics(registry)
	return collectors{session: m, sink: m, archive: m}
}

func run(ctx context.Context, loader *config.Loader, cfgPath string) error {
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(config.LoggingConfig(cfg.Observability.Logging))
	logger.Info("starting eventpipe",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
		"session", cfg.Session.Name,
		"sink", cfg.Sink.Backend,
	)

	registry := prometheus.NewRegistry()
	metrics := newCollectors(cfg.Observability.Metrics, registry)

	sessCfg, err := config.SessionConfig(cfg.Session)
	if err != nil {
		return fmt.Errorf("invalid session configuration: %w", err)
	}
	sinkCfg, err := config.SinkConfig(cfg.Sink)
	if err != nil {
		return fmt.Errorf("invalid sink configuration: %w", err)
	}

	rt := shim.Real()
	catalog := provider.NewCatalog(logger)
	loadDef := catalog.Register(cfg.Load.Provider, nil).
		Define(loadEventID, 0, loadEventName, event.LevelInformational, loadEventKeyword)

	sessionID := uuid.New()
	sk, err := sink.New(ctx, sinkCfg, sink.Target{
		Session:   cfg.Session.Name,
		SessionID: sessionID.String(),
		Start:     time.Now().UTC(),
	}, logger, metrics.sink)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	opts := session.Options{
		ID:      sessionID,
		Name:    cfg.Session.Name,
		Runtime: rt,
		Catalog: catalog,
		Sink:    sk,
		Logger:  logger,
		Metrics: metrics.session,
	}
	if cfg.Archive.Enabled {
		archiver, err := newArchiver(cfg, catalog, logger, metrics.archive)
		if err != nil {
			_ = sk.Close()
			return err
		}
		opts.Archiver = archiver
	}

	sessions := session.NewRegistry(logger)
	id, sess := sessions.Create(opts)

	httpServer := server.NewServer(server.Config{
		HealthPort:    cfg.Observability.Health.Port,
		MetricsPort:   cfg.Observability.Metrics.Port,
		MetricsPath:   cfg.Observability.Metrics.Path,
		LivenessPath:  cfg.Observability.Health.LivenessPath,
		ReadinessPath: cfg.Observability.Health.ReadinessPath,
	}, sessions, registry, logger)
	if err := httpServer.Start(); err != nil {
		_, _ = sessions.Delete(id)
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.ForceTimeout())
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Error("failed to shut down HTTP server", "error", err)
		}
	}()

	if _, err := sess.Enable(sessCfg); err != nil {
		_, _ = sessions.Delete(id)
		return fmt.Errorf("failed to enable session: %w", err)
	}
	logger.Info("session enabled", "session", sess.Name(), "id", sess.ID())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loadErr := make(chan error, 1)
	go func() {
		_, err := newLoadGenerator(sess, rt.Threads, loadDef, cfg.Load, logger).Run(ctx)
		loadErr <- err
	}()

	select {
	case <-ctx.Done():
		logger.Info("received termination signal")
	case err := <-loadErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("load generator failed", "error", err)
		}
		waitForDuration(ctx, time.Duration(cfg.Load.DurationSeconds)*time.Second, logger)
	}

	return stopSession(sessions, id, sess, cfg.Shutdown.GracePeriod(), logger)
}

func newArchiver(cfg *dto.ApplicationConfig, resolver archive.Resolver, logger *slog.Logger, metrics archive.MetricsCollector) (*archive.Archiver, error) {
	archiveCfg, enc, err := config.ArchiveConfig(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("invalid archive configuration: %w", err)
	}
	archiveCfg.Session = cfg.Session.Name
	archiver, err := archive.New(archiveCfg, enc, resolver, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create archiver: %w", err)
	}
	return archiver, nil
}

// waitForDuration keeps the session enabled for d after the load finishes.
// Zero waits until ctx is cancelled.
func waitForDuration(ctx context.Context, d time.Duration, logger *slog.Logger) {
	if d <= 0 {
		logger.Info("load finished, waiting for termination signal")
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// stopSession disables and deletes the session. A grace period lets the
// health endpoint report the disabled state before the session goes away.
func stopSession(sessions *session.Registry, id session.ID, sess *session.Session, grace time.Duration, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")

	outcome, err := sess.Disable()
	if err != nil {
		logger.Error("failed to disable session", "error", err)
	}
	stats := sess.Stats()
	logger.Info("session disabled",
		"outcome", outcome.String(),
		"events", stats.Stream.Events,
		"bytes", stats.Stream.Bytes,
		"dropped", stats.Buffers.Dropped,
		"lost", stats.Lost,
	)

	if grace > 0 {
		time.Sleep(grace)
	}

	if _, derr := sessions.Delete(id); derr != nil {
		logger.Error("failed to delete session", "error", derr)
		if err == nil {
			err = derr
		}
	}
	if err != nil {
		return fmt.Errorf("session shutdown: %w", err)
	}
	logger.Info("eventpipe stopped successfully")
	return nil
}
