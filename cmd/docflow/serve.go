package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	_ "github.com/Strob0t/DocFlow/internal/adapter/discord"
	"github.com/Strob0t/DocFlow/internal/adapter/email"
	"github.com/Strob0t/DocFlow/internal/adapter/extraction"
	dfhttp "github.com/Strob0t/DocFlow/internal/adapter/http"
	dfmcp "github.com/Strob0t/DocFlow/internal/adapter/mcp"
	"github.com/Strob0t/DocFlow/internal/adapter/minio"
	dfnats "github.com/Strob0t/DocFlow/internal/adapter/nats"
	"github.com/Strob0t/DocFlow/internal/adapter/natskv"
	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/adapter/ristretto"
	"github.com/Strob0t/DocFlow/internal/adapter/slack"
	"github.com/Strob0t/DocFlow/internal/adapter/tiered"
	"github.com/Strob0t/DocFlow/internal/adapter/ws"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/middleware"
	"github.com/Strob0t/DocFlow/internal/port/notifier"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
	"github.com/Strob0t/DocFlow/internal/resilience"
	"github.com/Strob0t/DocFlow/internal/secrets"
	"github.com/Strob0t/DocFlow/internal/service"
	"github.com/Strob0t/DocFlow/internal/workpool"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: HTTP API, event subscribers and sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, closer := logger.New(cfg.Logging)
			slog.SetDefault(log)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, closer)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logs logger.Closer) error {
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"log_level", cfg.Logging.Level,
		"max_attempts", cfg.Orchestrator.MaxAttempts,
	)

	// --- Telemetry ---

	shutdownOTEL, err := dfotel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := dfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if ah, ok := logs.(*logger.AsyncHandler); ok {
		if err := metrics.ObserveLogDrops(ah.DroppedCount); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	// --- Infrastructure ---

	queue, err := dfnats.Connect(ctx, cfg.NATS.URL, dfnats.Options{
		Stream:          cfg.NATS.Stream,
		AckWait:         cfg.NATS.AckWait,
		MaxDeliver:      cfg.NATS.MaxDeliver,
		RedeliveryDelay: cfg.NATS.RedeliveryDelay,
		MaxAge:          cfg.NATS.MaxEventAge,
	})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	slog.Info("nats connected", "stream", cfg.NATS.Stream)

	store, err := openStore(ctx, cfg, queue)
	if err != nil {
		return err
	}
	defer store.close()

	vault, err := secrets.NewVault(secrets.Merge(
		secrets.Static(map[string]string{
			secrets.ExtractionAPIKey: cfg.Extraction.APIKey,
			secrets.SMTPPassword:     cfg.Notify.SMTP.Password,
			secrets.MCPAPIKey:        cfg.MCP.APIKey,
		}),
		secrets.DirLoader(cfg.Secrets.Dir),
	))
	if err != nil {
		return err
	}
	cfg.Notify.SMTP.Password = vault.Get(secrets.SMTPPassword)
	go reloadSecretsOnHangup(ctx, vault)

	jobs := extraction.NewClient(cfg.Extraction.URL, "", cfg.Extraction.ProjectARN, cfg.Extraction.RequestTimeout)
	jobs.SetAPIKeySource(vault.Source(secrets.ExtractionAPIKey))
	slog.Info("extraction client", "url", cfg.Extraction.URL, "api_key", vault.Redacted(secrets.ExtractionAPIKey))
	jobs.SetHTTPClient(dfotel.HTTPClient(&http.Client{Timeout: cfg.Extraction.RequestTimeout}))
	jobs.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithFailurePredicate(extraction.IsBreakerFailure),
		resilience.WithStateChange(func(from, to resilience.State) {
			slog.Warn("extraction circuit breaker", "from", from.String(), "to", to.String())
		}),
	))

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	dedupKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("dedup cache: %w", err)
	}
	dedup := tiered.New(l1, natskv.NewCache(dedupKV), cfg.Cache.TTL)

	idemKV, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	pool := workpool.New(cfg.Orchestrator.MaxProcessingConcurrency)

	orch := service.NewOrchestratorService(store, jobs, hub, &cfg.Orchestrator, policyFrom(cfg.Confidence))
	orch.SetQueue(queue)
	orch.SetPool(pool)
	orch.SetMetrics(metrics)
	orch.SetThrottle(cfg.Throttle)

	if cfg.ObjectStore.Endpoint != "" {
		objects, err := minio.New(minio.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			UseSSL:    cfg.ObjectStore.UseSSL,
			Region:    cfg.ObjectStore.Region,
		})
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		if err := objects.EnsureBuckets(ctx, cfg.ObjectStore.Region, cfg.ObjectStore.InputBucket, cfg.ObjectStore.OutputBucket); err != nil {
			return fmt.Errorf("object store buckets: %w", err)
		}
		orch.SetObjectStore(objects, cfg.ObjectStore.OutputBucket)
		slog.Info("object store ready", "endpoint", cfg.ObjectStore.Endpoint, "output_bucket", cfg.ObjectStore.OutputBucket)
	}

	portal, alerts, err := reviewChannels(cfg.Notify, dfnats.NewPortal(queue))
	if err != nil {
		return err
	}
	hitl := service.NewHITLService(portal, hub, cfg.Review)
	hitl.SetMetrics(metrics)
	if alerts != nil {
		hitl.SetNotifier(alerts)
	}
	orch.SetHITL(hitl)

	router := service.NewRouterService(orch)
	router.SetDedupCache(dedup, cfg.Cache.TTL)
	router.SetMetrics(metrics)
	intake := service.NewIntakeService(orch, queue)
	sweeper := service.NewSweeperService(orch, store)

	// --- Subscribers ---

	cancels, err := router.StartSubscribers(ctx, queue)
	if err != nil {
		return fmt.Errorf("event subscribers: %w", err)
	}
	cancelIntake, err := intake.StartSubscriber(ctx)
	if err != nil {
		cancelSubscriptions(cancels)
		return fmt.Errorf("intake subscriber: %w", err)
	}
	cancels = append(cancels, cancelIntake)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()

	// --- HTTP ---

	handlers := &dfhttp.Handlers{
		Orchestrator: orch,
		Router:       router,
		Intake:       intake,
		HealthChecks: map[string]func(context.Context) error{
			"nats": func(context.Context) error {
				if !queue.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			},
			"extraction": jobs.Health,
		},
	}
	if store.ping != nil {
		handlers.HealthChecks["store"] = store.ping
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(dfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(dfhttp.SecurityHeaders)
	r.Use(dfotel.HTTPMiddleware(cfg.Telemetry.ServiceName))

	// WebSocket status stream; long-lived, so outside the request timeout.
	r.Get("/ws", hub.HandleWS)

	if cfg.MCP.Enabled {
		mcpSrv := dfmcp.NewServer(dfmcp.ServerConfig{Name: "docflow", Version: dfhttp.Version}, orch)
		r.Handle("/mcp", mcpSrv.Handler(vault.Source(secrets.MCPAPIKey)))
		slog.Info("mcp endpoint enabled", "path", "/mcp", "auth", vault.Get(secrets.MCPAPIKey) != "")
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
		r.Use(middleware.Idempotency(natskv.NewCache(idemKV), cfg.Idempotency.TTL))
		dfhttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// --- Shutdown: stop intake first, then let in-flight work finish ---

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("http shutdown", "error", serr)
	}
	cancelSubscriptions(cancels)
	stopSweeper()
	<-sweepDone
	if perr := pool.Close(shutdownCtx); perr != nil {
		slog.Warn("in-flight work did not finish", "in_flight", pool.InFlight(), "error", perr)
	}
	if derr := queue.Drain(); derr != nil {
		slog.Warn("nats drain", "error", derr)
	}
	slog.Info("shutdown complete")
	return err
}

// policyFrom builds the confidence gate policy from configuration.
func policyFrom(c config.Confidence) confidence.Policy {
	return confidence.Policy{
		DefaultThreshold:  c.DefaultThreshold,
		Granularity:       confidence.Granularity(c.Granularity),
		SectionThresholds: c.SectionThresholds,
		FieldThresholds:   c.FieldThresholds,
	}
}

// reviewChannels assembles the review portal and the escalation notifier
// from the notify settings. NATS always receives review requests; webhooks
// and mail are added when configured. The notifier is nil when no
// escalation channel is configured.
func reviewChannels(cfg config.Notify, base reviewportal.Portal) (reviewportal.Portal, notifier.Notifier, error) {
	portals := reviewportal.Fanout{base}
	if cfg.ReviewWebhookURL != "" {
		portals = append(portals, slack.NewPortal(cfg.ReviewWebhookURL))
	}
	smtp := cfg.SMTP
	if smtp.Host != "" && len(smtp.Reviewers) > 0 {
		portals = append(portals, email.NewPortal(email.NewMailer(email.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			From:     smtp.From,
			Password: smtp.Password,
		}), smtp.Reviewers))
	}

	var specs []notifier.Spec
	if cfg.SlackWebhookURL != "" {
		specs = append(specs, notifier.Spec{Name: "slack", Config: map[string]string{"webhook_url": cfg.SlackWebhookURL}})
	}
	if cfg.DiscordWebhookURL != "" {
		specs = append(specs, notifier.Spec{Name: "discord", Config: map[string]string{"webhook_url": cfg.DiscordWebhookURL}})
	}
	if smtp.Host != "" && len(smtp.EscalationTo) > 0 {
		specs = append(specs, notifier.Spec{Name: "email", Config: map[string]string{
			"host":     smtp.Host,
			"port":     strconv.Itoa(smtp.Port),
			"from":     smtp.From,
			"password": smtp.Password,
			"to":       strings.Join(smtp.EscalationTo, ","),
		}})
	}
	alerts, err := notifier.Build(specs...)
	if err != nil {
		return nil, nil, err
	}

	var portal reviewportal.Portal = base
	if len(portals) > 1 {
		portal = portals
	}
	return portal, alerts, nil
}

// reloadSecretsOnHangup re-reads the vault's sources on every SIGHUP.
// The SMTP password is read once at startup and needs a restart to change.
func reloadSecretsOnHangup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed, keeping previous values", "error", err)
				continue
			}
			slog.Info("secrets reloaded")
		}
	}
}

func cancelSubscriptions(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
