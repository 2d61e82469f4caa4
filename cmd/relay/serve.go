package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/relay/internal/batch"
	"github.com/coderelay/relay/internal/config"
	"github.com/coderelay/relay/internal/janitor"
	"github.com/coderelay/relay/internal/notify"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/queue"
	"github.com/coderelay/relay/internal/ratelimit"
	"github.com/coderelay/relay/internal/sessions"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/taskqueue"
	"github.com/coderelay/relay/internal/templates"
	"github.com/coderelay/relay/internal/tools"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/internal/web"
	"github.com/coderelay/relay/internal/webhooks"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway server",
		Long: `Start the gateway: the upstream client, the session manager and its
monitors, batch and queue processing, webhook intake, optional
task-queue ingest, the janitor, and the HTTP surface.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults and RELAY_* environment variables
  relay serve

  # Start with a config file
  relay serve --config /etc/relay/relay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics, promReg := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "starting relay gateway",
		"version", version, "commit", commit, "addr", cfg.ListenAddr())

	// Store: durable when a database URL is configured, else in-memory.
	var set store.Set
	if cfg.Database.URL != "" {
		set, err = store.NewSQLSet(cfg.Database.URL, store.SQLConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLife,
		})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	} else {
		set = store.NewMemorySet()
	}
	defer set.Close()
	logger.Info(ctx, "store ready", "profile", set.Profile())

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:            cfg.Upstream.BaseURL,
		APIKey:             cfg.Upstream.APIKey,
		ServiceAccountJSON: cfg.Upstream.ServiceAccountJSON,
		OAuthTokenURL:      cfg.Upstream.OAuthTokenURL,
		Timeout:            cfg.Upstream.Timeout,
		Retry: upstream.RetryPolicy{
			MaxRetries: cfg.Upstream.MaxRetries,
			Base:       time.Second,
			Cap:        10 * time.Second,
		},
		BreakerThreshold: cfg.Upstream.BreakerThreshold,
		BreakerCooldown:  cfg.Upstream.BreakerCooldown,
		CacheCapacity:    cfg.Upstream.CacheCapacity,
		CacheTTL:         cfg.Upstream.CacheTTL,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}

	hub := notify.NewHub(notify.Options{
		HeartbeatInterval: cfg.Notify.HeartbeatInterval,
		SendQueueSize:     cfg.Notify.SendQueueSize,
	}, logger, metrics)
	defer hub.Close()

	manager := sessions.NewManager(client, set, hub, logger, metrics, sessions.Options{
		PollInterval: cfg.Sessions.PollInterval,
		MaxPolls:     cfg.Sessions.MaxPolls,
		SoftDeadline: cfg.Sessions.LongPollDeadline,
	})
	defer manager.Close()
	recoverSessions(ctx, manager, set, logger)

	workQueue := queue.New(cfg.Queue.MaxRetained, logger, metrics)
	templateReg := templates.NewRegistry(cfg.Templates.Cap)
	batchOpts := batch.DefaultOptions()
	batchOpts.HardCap = cfg.Batch.HardCap
	processor := batch.NewProcessor(manager, logger, batchOpts)
	defer processor.Close()

	receiver := webhooks.NewReceiver(webhooks.Config{
		Secret:            cfg.Webhooks.Secret,
		MonitoredServices: cfg.Webhooks.MonitoredServices,
		AutoFixEnabled:    cfg.Webhooks.AutoFixEnabled,
		DedupRetention:    cfg.Webhooks.DedupRetention,
		MaxErrorLines:     cfg.Webhooks.MaxErrorLines,
	}, client, manager, set, logger, metrics)

	var ingestor *taskqueue.Ingestor
	if cfg.TaskQueue.Enabled {
		ingestor = taskqueue.NewIngestor(taskqueue.Config{
			Schedule:     cfg.TaskQueue.PollSchedule,
			TriggerLabel: cfg.TaskQueue.TriggerLabel,
			MaxRetries:   cfg.TaskQueue.MaxRetries,
		}, client, manager, logger)
		if err := ingestor.Start(); err != nil {
			return fmt.Errorf("task queue ingest: %w", err)
		}
		defer ingestor.Stop()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config(cfg.RateLimit))

	jan := janitor.New(logger)
	jan.Register("response_cache", time.Minute, client.Cache().Sweep)
	jan.Register("webhook_dedupe", 10*time.Minute, receiver.Dedupe().Reap)
	jan.Register("rate_limit_windows", 5*time.Minute, limiter.Prune)
	jan.Register("stuck_sessions", time.Minute, func() int {
		return manager.SweepStuck(2 * cfg.Sessions.LongPollDeadline)
	})
	jan.Start()
	defer jan.Stop()

	registry := tools.NewRegistry(logger, metrics)
	if err := tools.RegisterAll(registry, tools.Deps{
		Sessions:  manager,
		Queue:     workQueue,
		Templates: templateReg,
		Batches:   processor,
		Tasks:     ingestor,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	logger.Info(ctx, "tool catalog ready", "tools", registry.Len())

	server := web.NewServer(cfg, web.Deps{
		Tools:    registry,
		Sessions: manager,
		Hub:      hub,
		Webhooks: receiver,
		Limiter:  limiter,
		Store:    set,
		Queue:    workQueue,
		Breaker:  client.Breaker(),
		PromReg:  promReg,
	}, logger, metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error(context.Background(), "shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// recoverSessions reloads non-terminal sessions from the store so
// monitoring resumes after a restart.
func recoverSessions(ctx context.Context, manager *sessions.Manager, set store.Set, logger *observability.Logger) {
	stored, err := set.Sessions.List(ctx, 0)
	if err != nil {
		logger.Warn(ctx, "session recovery failed", "error", err)
		return
	}
	recovered := 0
	for _, sess := range stored {
		if sess.Status.Terminal() {
			continue
		}
		manager.Track(sess)
		recovered++
	}
	if recovered > 0 {
		logger.Info(ctx, "recovered active sessions", "count", recovered)
	}
}
