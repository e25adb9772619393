// Package app wires configuration into a running HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/events"
	v1 "github.com/dmehra2102/prod-golang-projects/medportal/internal/handler/v1"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/handoff"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity/keycloak"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity/local"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/repository"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/usersync"
	jwtauth "github.com/dmehra2102/prod-golang-projects/medportal/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/cache"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/database"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/tlsconfig"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/tracer"
)

type App struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	tp     *sdktrace.TracerProvider
	audit  *service.AuditService
	events events.Publisher
	server *http.Server
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	tp, err := tracer.Init(cfg.Tracing, cfg.App.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	a.tp = tp

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	a.db = db

	m := metrics.NewCollector("medportal", prometheus.DefaultRegisterer)

	provider, err := a.identityProvider(ctx)
	if err != nil {
		return err
	}

	flows, sessions, handoffBackend, err := a.stores()
	if err != nil {
		return err
	}
	handoffs := handoff.NewStore(handoffBackend, cfg.Session.HandoffTTL)

	a.audit = service.NewAuditService(repository.NewAuditRepository(db), m, a.log)
	a.events = events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, a.log)

	users := repository.NewUserRepository(db)
	syncService := usersync.NewService(users, provider, a.events, a.audit, m, a.log)

	var syncer usersync.Syncer = syncService
	if cfg.Sync.Mode == "remote" {
		client, err := usersync.NewHTTPClient(cfg.Sync, a.log)
		if err != nil {
			return err
		}
		syncer = client
	}

	tokens := jwtauth.NewJWTManager(cfg.JWT)
	facade := auth.NewFacade(auth.Deps{
		Provider:   provider,
		Syncer:     usersync.NewRetrier(syncer, cfg.Sync, m, a.log),
		Flows:      flows,
		Sessions:   sessions,
		Handoffs:   handoffs,
		Tokens:     tokens,
		Events:     a.events,
		Audit:      a.audit,
		Metrics:    m,
		Log:        a.log,
		FlowTTL:    cfg.Session.FlowTTL,
		SessionTTL: cfg.Session.TTL,
	})

	cookies := session.Cookies{
		Secure:     cfg.Session.SecureCookie,
		SessionTTL: cfg.Session.TTL,
		FlowTTL:    cfg.Session.FlowTTL,
		HandoffTTL: cfg.Session.HandoffTTL,
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(a.log),
		middleware.Tracing(cfg.Tracing.ServiceName),
		middleware.Logger(a.log, m),
		middleware.CORS(cfg.CORS),
		middleware.RateLimit(
			middleware.NewIPRateLimiter(rateLimit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
			"global", m,
		),
	)

	engine.GET("/health", a.health)
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	v1.Routes{
		Auth:      v1.NewAuthHandler(facade, provider, handoffs, cookies, a.audit, a.log),
		Sync:      v1.NewSyncHandler(syncService, facade, cookies, cfg.Sync.SharedSecret, a.log),
		Users:     v1.NewUserHandler(users, a.log),
		Resolver:  v1.SessionResolver(facade, cookies, a.log),
		Tokens:    tokens,
		AuthLimit: middleware.RateLimit(middleware.PerMinute(cfg.RateLimit.AuthRequestsPerMinute), "auth", m),
	}.Register(engine)

	a.server = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.TLSCertFile != "" {
		tlsCfg, err := tlsconfig.ServerTLSConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, cfg.Sync.CAFile)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		a.server.TLSConfig = tlsCfg
	}
	return nil
}

func (a *App) identityProvider(ctx context.Context) (identity.Provider, error) {
	switch a.cfg.Identity.Provider {
	case "keycloak":
		p, err := keycloak.New(ctx, a.cfg.Keycloak, a.cfg.Identity.ProviderSessionTTL, a.log)
		if err != nil {
			return nil, fmt.Errorf("keycloak provider: %w", err)
		}
		return p, nil
	default:
		return local.New(
			local.NewGormStore(a.db),
			local.NewMailer(a.cfg.SMTP, a.log),
			a.cfg.Identity,
			a.log,
		), nil
	}
}

func (a *App) stores() (session.Store[auth.Flow], session.Store[session.Session], session.Store[handoff.Handoff], error) {
	if a.cfg.Redis.Addr == "" {
		a.log.Warn("REDIS_ADDR not set; using in-memory session stores (single replica only)")
		return session.NewMemoryStore[auth.Flow](),
			session.NewMemoryStore[session.Session](),
			session.NewMemoryStore[handoff.Handoff](),
			nil
	}

	client, err := cache.Connect(a.cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	a.redis = client
	return session.NewRedisStore[auth.Flow](client, "medportal:flow:"),
		session.NewRedisStore[session.Session](client, "medportal:session:"),
		session.NewRedisStore[handoff.Handoff](client, "medportal:handoff:"),
		nil
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok"}
	status := http.StatusOK

	if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks, "version": a.cfg.App.Version})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", a.server.Addr), zap.Bool("tls", a.server.TLSConfig != nil))
		var err error
		if a.server.TLSConfig != nil {
			err = a.server.ListenAndServeTLS("", "")
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		a.close()
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)
	a.close()
	if err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func (a *App) close() {
	if a.audit != nil {
		a.audit.Shutdown()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Warn("closing event publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tp.Shutdown(ctx)
	}
}

func rateLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
