package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/backoffice/pkg/api"
	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/config"
	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/magiclink"
	"github.com/platinummonkey/backoffice/pkg/notify"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/provisioning"
	"github.com/platinummonkey/backoffice/pkg/rbac"
	"github.com/platinummonkey/backoffice/pkg/storage"
)

const maxRequestBytes = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("backoffice exited with error")
		os.Exit(1)
	}
	logger.Info("backoffice stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, providers, logger); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown incomplete")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		if cfg.Observability.OTelEnabled {
			otelMetrics, err := observability.NewOTelMetrics()
			if err != nil {
				return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
			}
			metrics = metrics.WithOTel(otelMetrics)
		}
	}

	redisClient, err := storage.OpenRedis(ctx, storage.RedisConfig{
		URL:      cfg.Storage.RedisURL,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
		PoolSize: cfg.Storage.RedisPoolSize,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var db *sql.DB
	if cfg.Storage.Driver == "postgres" {
		pgConfig := storage.DefaultPostgresConfig(cfg.Storage.PostgresURL)
		pgConfig.MaxOpenConns = cfg.Storage.PostgresMaxConns
		pgConfig.MaxIdleConns = cfg.Storage.PostgresMaxIdleConns
		pgConfig.ConnMaxLifetime = cfg.Storage.PostgresConnLifetime
		db, err = storage.OpenPostgres(ctx, pgConfig)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := orgs.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	roles, err := loadRoles(cfg.Orgs.PolicyFile)
	if err != nil {
		return err
	}

	auditLogger, auditSearch, err := buildAudit(ctx, cfg.Audit, db)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	dispatcher, relay := buildDispatcher(cfg.Notify, redisClient, logger, metrics)

	var store orgs.Store
	var users provisioning.UserDirectory
	if db != nil {
		store = orgs.NewPostgresStore(db)
		users, err = provisioning.NewPostgresDirectory(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to initialize user directory: %w", err)
		}
	} else {
		logger.Warn("using in-memory storage; data is lost on restart")
		store = orgs.NewMemoryStore()
		users = provisioning.NewMemoryDirectory()
	}

	cache := orgs.NewCachedLookup(store, orgs.CacheConfig{
		MaxEntries: cfg.Orgs.MembershipCacheSize,
		TTL:        cfg.Orgs.MembershipCacheTTL,
	})
	service := orgs.NewService(store, rbac.NewEngine(roles), orgs.Config{
		InvitationTTL: cfg.Orgs.InvitationTTL,
		BaseURL:       cfg.Server.BaseURL,
	},
		orgs.WithCache(cache),
		orgs.WithDispatcher(dispatcher),
		orgs.WithAuditLogger(auditLogger),
		orgs.WithMetrics(metrics),
		orgs.WithLogger(logger),
	)

	issuer := magiclink.NewIssuer(redisClient, dispatcher, cfg.Server.BaseURL,
		magiclink.WithTTL(magiclink.PurposeMagicLink, cfg.Tokens.MagicLinkTTL),
		magiclink.WithTTL(magiclink.PurposePasswordReset, cfg.Tokens.PasswordResetTTL),
		magiclink.WithLogger(logger),
		magiclink.WithMetrics(metrics),
	)
	provisioner := provisioning.NewProvisioner(users, service, issuer, auditLogger, logger)

	var limiter *api.RateLimiter
	if cfg.Server.AuthRateLimit > 0 {
		limiter = api.NewRateLimiter(redisClient, api.RateLimitConfig{
			RequestsPerWindow: cfg.Server.AuthRateLimit,
			WindowDuration:    time.Minute,
		}, "")
	}

	router := api.NewRouter(api.Deps{
		Service:       service,
		Provisioner:   provisioner,
		Users:         users,
		Links:         issuer,
		Sessions:      api.NewRedisSessionStore(redisClient, cfg.Server.SessionTTL),
		Audit:         auditSearch,
		RateLimiter:   limiter,
		Metrics:       metrics,
		Logger:        logger,
		SecureCookies: strings.HasPrefix(cfg.Server.BaseURL, "https://"),
		SessionTTL:    cfg.Server.SessionTTL,
	})

	handler := httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.CORSMiddleware(cfg.Server.CORSOrigins),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "backoffice"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter(db, redisClient, registry, cfg.Observability.OTelServiceVersion),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := buildScheduler(ctx, cfg.Orgs.SweepSchedule, service, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "notify relay")
			return relay.Run(gctx)
		})
	}
	if db != nil && metrics != nil {
		g.Go(func() error {
			storage.ReportStats(gctx, db, 15*time.Second, metrics.UpdateDBStats)
			return nil
		})
	}
	if scheduler != nil {
		scheduler.Start()
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if scheduler != nil {
			<-scheduler.Stop().Done()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			healthServer.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

func loadRoles(policyFile string) (*rbac.RoleSet, error) {
	if policyFile == "" {
		return rbac.DefaultRoleSet()
	}
	roles, err := rbac.LoadPolicyFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}
	return roles, nil
}

// buildAudit assembles the configured sinks. The returned searcher is nil
// when no sink supports queries.
func buildAudit(ctx context.Context, cfg config.AuditConfig, db *sql.DB) (audit.Logger, api.AuditSearcher, error) {
	var loggers []audit.Logger
	var searcher api.AuditSearcher

	if cfg.Database && db != nil {
		dbLogger, err := audit.NewDBLogger(ctx, db)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit table: %w", err)
		}
		loggers = append(loggers, dbLogger)
		searcher = dbLogger
	}
	if cfg.FilePath != "" {
		fileConfig := audit.DefaultFileLoggerConfig()
		fileConfig.BasePath = cfg.FilePath
		fileLogger, err := audit.NewFileLogger(fileConfig)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fileLogger)
	}

	if len(loggers) == 0 {
		return audit.NoopLogger{}, searcher, nil
	}
	return audit.NewMultiLogger(loggers...), searcher, nil
}

// buildDispatcher returns the dispatcher services send through. With the
// outbox enabled that is the Redis queue, and the relay drains it into the
// configured transport.
func buildDispatcher(cfg config.NotifyConfig, client *redis.Client, logger *observability.Logger, metrics *observability.Metrics) (notify.Dispatcher, *notify.Relay) {
	var transport notify.Dispatcher
	switch cfg.Driver {
	case "smtp":
		transport = notify.NewSMTPDispatcher(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	case "webhook":
		transport = notify.NewWebhookDispatcher(notify.WebhookConfig{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
			Retry:   notify.DefaultRetryConfig(),
		})
	default:
		transport = notify.NewLogDispatcher(logger)
	}

	if !cfg.Outbox {
		return transport, nil
	}
	outbox := notify.NewRedisOutbox(client)
	return outbox, notify.NewRelay(outbox, transport, logger, metrics, cfg.OutboxMaxAttempts)
}

func buildScheduler(ctx context.Context, schedule string, service *orgs.Service, logger *observability.Logger) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	sweep := func() {
		observability.SafeGo(ctx, logger, time.Minute, "invitation sweep", func(ctx context.Context) error {
			_, err := service.CleanupExpiredInvitations(ctx)
			return err
		})
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule invitation sweep: %w", err)
	}
	sweep()
	logger.WithField("schedule", schedule).Info("invitation sweep scheduled")
	return c, nil
}

func healthRouter(db *sql.DB, client *redis.Client, registry *prometheus.Registry, version string) http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, client, version))
	observability.RegisterMetricsEndpoint(router, registry)
	return router
}
