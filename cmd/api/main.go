package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"itcenter.org/staffauth/internal/audit"
	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/config"
	"itcenter.org/staffauth/internal/httpapi"
	"itcenter.org/staffauth/internal/obs"
	"itcenter.org/staffauth/internal/store/pg"
	"itcenter.org/staffauth/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	// Инициализация observability (регистрация метрик, уровень логов, build info)
	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	obs.InitBuildInfo(version, commit)

	verifier, err := auth.NewVerifier(
		auth.WithHMACSecret(cfg.HMACSecret),
		auth.WithJWKSURL(cfg.JWKSURL),
		auth.WithIssuer(cfg.Issuer),
		auth.WithLeeway(cfg.ClockSkew),
	)
	if err != nil {
		logger.WithError(err).Fatal("token verifier")
	}
	defer verifier.Close()

	// Хранилище: Postgres, если задан DSN, иначе память (локальная разработка)
	var (
		users  auth.RegistryStore
		events audit.Store
		ready  httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN, pg.DefaultPool)
		if err != nil {
			logger.WithError(err).Fatal("open db")
		}
		defer store.Close()
		seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, role := range []string{auth.RoleAdmin, auth.RoleStaff} {
			if err := store.SeedRole(seedCtx, role, ""); err != nil {
				logger.WithError(err).WithField("role", role).Warn("seed role")
			}
		}
		cancel()
		users, events = store, store
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		logger.Warn("STAFFAUTH_PG_DSN not set, state is kept in memory")
		users = auth.NewMemoryStore(nil)
		events = audit.NewMemoryStore()
	}

	feed := stream.New(cfg.StreamBuffer)
	engine, err := audit.NewEngine(events, users,
		audit.WithPublisher(feed),
		audit.WithSuspiciousPolicy(cfg.SuspiciousThreshold, cfg.SuspiciousWindow),
	)
	if err != nil {
		logger.WithError(err).Fatal("audit engine")
	}
	registry, err := auth.NewRegistry(users, engine)
	if err != nil {
		logger.WithError(err).Fatal("registry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BootstrapAdmin != "" {
		bootstrapAdmin(ctx, registry, cfg.BootstrapAdmin)
	}

	api := httpapi.New(httpapi.Deps{
		Ready:    ready,
		Verifier: verifier,
		Mapper:   auth.ClaimsMapper{GroupsClaim: cfg.GroupsClaim, CustomRolesClaim: cfg.RolesClaim},
		Registry: registry,
		Audit:    engine,
		Stream:   feed,
	}, version,
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxies(cfg.TrustedProxies),
	)
	go api.Limiter().Run(ctx, time.Minute)

	// No WriteTimeout: the audit stream stays open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	health := httpapi.NewGRPCServer(ready)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	go health.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.WithError(err).Fatal("grpc listen")
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
	}).Info("starting staffauth")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http listen")
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Fatal("grpc serve")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
}

// bootstrapAdmin grants ADMIN to the configured subject once it has signed in
// at least once. The grant is recorded as self-performed.
func bootstrapAdmin(ctx context.Context, registry *auth.Registry, subject string) {
	log := obs.Logger().WithField("user_id", subject)
	_, err := registry.AssignRole(ctx, auth.Actor{UserID: subject, UserAgent: "bootstrap"}, subject, auth.RoleAdmin)
	switch {
	case err == nil:
		log.Info("bootstrap admin ensured")
	case errors.Is(err, auth.ErrNotFound):
		log.Warn("bootstrap admin has not signed in yet, skipping")
	default:
		log.WithError(err).Error("bootstrap admin")
	}
}
