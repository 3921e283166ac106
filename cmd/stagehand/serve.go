package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"

	"github.com/szaher/stagehand/internal/agent"
	"github.com/szaher/stagehand/internal/audit"
	"github.com/szaher/stagehand/internal/bridge"
	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/compute/docker"
	"github.com/szaher/stagehand/internal/compute/kube"
	"github.com/szaher/stagehand/internal/config"
	"github.com/szaher/stagehand/internal/project"
	"github.com/szaher/stagehand/internal/render"
	"github.com/szaher/stagehand/internal/render/kubebatch"
	"github.com/szaher/stagehand/internal/secrets"
	"github.com/szaher/stagehand/internal/server"
	"github.com/szaher/stagehand/internal/storage"
	"github.com/szaher/stagehand/internal/telemetry"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupTimeout  = 2 * time.Minute
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		logFormat string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session bridge and render controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if logFormat != "" {
				cfg.Server.LogFormat = logFormat
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, watch)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or text (overrides server.log_format)")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "Reload the log level when the config file changes")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, watch bool) error {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.Server.LogLevel))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	logger, redact := telemetry.NewLogger(os.Stderr, telemetry.LogOptions{Format: cfg.Server.LogFormat, Level: level})
	slog.SetDefault(logger)

	resolved, err := cfg.ResolveSecrets(ctx, secrets.NewEnvResolver())
	if err != nil {
		return err
	}
	for _, v := range resolved {
		redact.AddSecret(v)
	}

	metrics := telemetry.NewMetrics()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	projects, closeProjects, err := openProjects(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeProjects()

	var kubeClient kubernetes.Interface
	if cfg.Mode == config.ModeCluster {
		kubeClient, err = kube.NewClientset(cfg.Kube.Kubeconfig)
		if err != nil {
			return err
		}
	}
	driver := newDriver(cfg, store, kubeClient, logger)

	manager := compute.NewManager(driver,
		compute.WithLogger(logger.With("component", "compute")),
		compute.WithMetrics(metrics),
		compute.WithSyncer(compute.NewHTTPSyncer(cfg.Session.SyncTimeout)),
		compute.WithPorts(cfg.Session.PreviewPort, cfg.Session.AgentPort),
	)

	br := bridge.New(manager, agent.NewWebsocketDialer(cfg.Session.AgentDialWait, logger), projects, bridge.Options{
		GracePeriod:  cfg.Session.GracePeriod,
		SystemPrompt: cfg.Session.SystemPrompt,
		Logger:       logger,
		Metrics:      metrics,
	})

	// Rendering needs a batch platform; the local backend has none.
	var (
		renders       *render.Controller
		renderSurface server.Renders
		auditRenders  audit.Renders
	)
	if kubeClient != nil {
		batch := kubebatch.New(kubeClient, kubebatch.Options{
			Namespace:      cfg.Kube.Namespace,
			Image:          cfg.Render.Image,
			Bucket:         cfg.Storage.Bucket,
			SecretName:     cfg.Kube.SecretName,
			ServiceAccount: cfg.Kube.ServiceAcct,
			Deadline:       cfg.Render.Timeout,
			TTLAfterFinish: cfg.Render.TTLAfterFinish,
			CPURequest:     cfg.Render.CPURequest,
			MemoryRequest:  cfg.Render.MemoryRequest,
			CPULimit:       cfg.Render.CPULimit,
			MemoryLimit:    cfg.Render.MemoryLimit,
			Logger:         logger,
		})
		renders = render.NewController(batch, store, render.Options{
			PollInterval:  cfg.Render.PollInterval,
			Timeout:       cfg.Render.Timeout,
			DefaultFormat: cfg.Render.DefaultFormat,
			OutputURLBase: cfg.Render.OutputURLBase,
			Logger:        logger,
			Metrics:       metrics,
		})
		unsubscribe := renders.Subscribe(br)
		defer unsubscribe()
		renderSurface, auditRenders = renders, renders
	}

	auditor := audit.New(manager, auditRenders, audit.Options{
		LongLivedAfter:  cfg.Audit.LongLivedWarn,
		PendingCleanups: br.PendingCleanups,
		Logger:          logger.With("component", "audit"),
		Metrics:         metrics,
	})
	stopAudit, err := auditor.Start(cfg.Audit.Schedule)
	if err != nil {
		return err
	}

	if watch && configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				level.Set(telemetry.ParseLevel(c.Server.LogLevel))
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	srv := server.New(manager, renderSurface, br,
		server.WithLogger(logger.With("component", "server")),
		server.WithMetrics(metrics),
		server.WithVersion(version),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Server.Addr) }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopAudit()
	if renders != nil {
		renders.Shutdown()
	}
	br.Shutdown()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancelCleanup()
	cleanupErr := manager.CleanupAllSessions(cleanupCtx)
	if cleanupErr != nil {
		logger.Error("session cleanup incomplete", "error", cleanupErr)
	}
	return errors.Join(serveErr, cleanupErr)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Bucket == "" {
		return storage.NewMemoryStore(), nil
	}
	s3, err := storage.NewS3Store(ctx, storage.S3Options{
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func openProjects(ctx context.Context, cfg *config.Config, logger *slog.Logger) (project.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, project records are kept in memory")
		return project.NewMemoryStore(), func() {}, nil
	}
	store, closeFn, err := project.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return store, closeFn, nil
}

func newDriver(cfg *config.Config, store storage.Store, kubeClient kubernetes.Interface, logger *slog.Logger) compute.Driver {
	if kubeClient != nil {
		return kube.New(kubeClient, kubeOptions(cfg, logger))
	}
	return docker.New(docker.Options{
		Binary:       cfg.Docker.Binary,
		Image:        cfg.Session.Image,
		Network:      cfg.Docker.Network,
		WorkspaceDir: cfg.Docker.WorkspaceDir,
		Env:          cfg.Session.Env,
		ReadyTimeout: cfg.Session.ReadyTimeout,
		PollInterval: cfg.Session.PollInterval,
		Store:        store,
		Logger:       logger.With("component", "docker"),
	})
}

func kubeOptions(cfg *config.Config, logger *slog.Logger) kube.Options {
	return kube.Options{
		Namespace:      cfg.Kube.Namespace,
		Image:          cfg.Session.Image,
		HydrateImage:   cfg.Kube.HydrateImage,
		Bucket:         cfg.Storage.Bucket,
		S3Endpoint:     cfg.Storage.Endpoint,
		SecretName:     cfg.Kube.SecretName,
		ServiceAccount: cfg.Kube.ServiceAcct,
		PreviewDomain:  cfg.Kube.PreviewDomain,
		Env:            cfg.Session.Env,
		CPURequest:     cfg.Kube.CPURequest,
		MemoryRequest:  cfg.Kube.MemoryRequest,
		CPULimit:       cfg.Kube.CPULimit,
		MemoryLimit:    cfg.Kube.MemoryLimit,
		ReadyTimeout:   cfg.Session.ReadyTimeout,
		PollInterval:   cfg.Session.PollInterval,
		Logger:         logger.With("component", "kube"),
	}
}
