package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/cache"
	"soundboard.app/internal/config"
	"soundboard.app/internal/control"
	"soundboard.app/internal/httpapi"
	"soundboard.app/internal/obs"
	"soundboard.app/internal/pubsub"
	"soundboard.app/internal/reconcile"
	"soundboard.app/internal/store/pg"
	"soundboard.app/internal/upstream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}

	// Инициализация observability (регистрация метрик, JSON-логгер)
	obs.Configure(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Named("api")
	defer func() { _ = log.Sync() }()

	// Подключение к БД: /readyz пингует её, reconcile пишет в неё
	db, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := upstream.NewClient(cfg.UpstreamURL, cfg.BotToken, upstream.WithLogger(obs.Named("upstream")))

	identities := cache.New[*auth.Identity]("identity", cfg.IdentityTTL, cache.WithJanitor(time.Minute))
	defer identities.Close()
	memberships := cache.New[*auth.Membership]("membership", cfg.MembershipTTL, cache.WithJanitor(time.Minute))
	defer memberships.Close()

	authenticator, err := auth.NewAuthenticator(client, identities, memberships, db, obs.Named("auth"))
	if err != nil {
		log.Fatal("build authenticator", zap.Error(err))
	}
	executorTokens, err := auth.NewExecutorTokens(cfg.ExecutorSecret)
	if err != nil {
		log.Fatal("build executor tokens", zap.Error(err))
	}

	registry := pubsub.New(obs.Named("pubsub"))
	router := control.NewRouter(obs.Named("control"), control.WithTimeout(cfg.CommandTimeout))
	job := reconcile.New(client, db, cfg.ReconcileInterval, obs.Named("reconcile"))

	var wg sync.WaitGroup
	runActor := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("actor stopped", zap.String("actor", name), zap.Error(err))
			}
		}()
	}
	runActor("pubsub", registry.Run)
	runActor("control", router.Run)
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Run(ctx)
	}()

	ready := httpapi.ReadyProbe{DB: db.DB()}
	api, err := httpapi.New(httpapi.Deps{
		Auth:          authenticator,
		Commands:      router,
		Subscriptions: registry,
		Catalog:       db,
		Executors:     executorTokens,
		Reconciler:    job,
		Ready:         ready,
		Logger:        obs.Named("httpapi"),
	}, httpapi.Settings{
		Version:        version,
		Heartbeat:      cfg.HeartbeatInterval,
		ReauthInterval: cfg.ReauthInterval,
		ReauthGrace:    cfg.ReauthGrace,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		log.Fatal("build http api", zap.Error(err))
	}

	// WriteTimeout must outlast a command waiting on the executor.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.CommandTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC: только health-сервис
	grpcSrv := grpc.NewServer()
	health := httpapi.NewHealthServer(ready, obs.Named("grpc"))
	health.Register(grpcSrv)
	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Sync(ctx, 10*time.Second)
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("listen grpc", zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		log.Info("listening", zap.String("version", version), zap.String("addr", srv.Addr), zap.String("grpc_addr", cfg.GRPCAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	wg.Wait()
	log.Info("stopped")
}
