package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"bankcore.io/internal/auth"
	"bankcore.io/internal/config"
	"bankcore.io/internal/httpapi"
	"bankcore.io/internal/ledger"
	"bankcore.io/internal/obs"
	"bankcore.io/internal/store/pg"
	"bankcore.io/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Env,
		Version:      version,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	hub := stream.New()

	var (
		store ledger.Store
		ready httpapi.ReadyCheck
	)
	if cfg.UsesPostgres() {
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		store = pg.New(db, pg.WithChannel(cfg.Listener.Channel))
		ready = httpapi.ReadyCheck{DB: db}

		listener := pg.NewListener(cfg.PostgresDSN, cfg.Listener.Channel, cfg.Listener.MinReconnect, cfg.Listener.MaxReconnect, hub.Publish)
		go listener.Run(ctx)
	} else {
		mem := ledger.NewMemory(ledger.WithPublisher(hub.Publish))
		store = mem
		if err := seedDemo(ctx, mem); err != nil {
			log.Fatalf("seed demo data: %v", err)
		}
		obs.Log("warn", "using in-memory store", map[string]any{"env": cfg.Env})
	}
	obs.InitBuildInfo(obs.BuildInfo{Version: version, Commit: commit, Store: storeName(cfg)})

	engine := ledger.NewEngine(store, ledger.WithLockTimeout(cfg.Ledger.LockTimeout))

	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	api := httpapi.New(ready, engine, hub, tokens, httpapi.Options{
		Version:        version,
		DevTokens:      cfg.Auth.DevTokens,
		RateBurst:      cfg.Limits.RateBurst,
		RatePerSec:     cfg.Limits.RatePerSec,
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
		TrustedProxies: cfg.Limits.TrustedProxies,
	})

	// No WriteTimeout: the notification stream stays open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Log("info", "http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcServer = grpc.NewServer()
		httpapi.NewGRPCServer(ready, version).Register(grpcServer)
		go func() {
			obs.Log("info", "grpc listening", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	<-ctx.Done()
	obs.Log("info", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Log("error", "http shutdown", map[string]any{"error": err.Error()})
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Log("error", "tracing shutdown", map[string]any{"error": err.Error()})
	}
	obs.Log("info", "stopped", nil)
}

func storeName(cfg *config.Config) string {
	if cfg.UsesPostgres() {
		return "postgres"
	}
	return "memory"
}
