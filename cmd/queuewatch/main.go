package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nadmax/queuewatch/internal/api"
	"github.com/nadmax/queuewatch/internal/capacity"
	"github.com/nadmax/queuewatch/internal/client"
	"github.com/nadmax/queuewatch/internal/config"
	"github.com/nadmax/queuewatch/internal/dashboard"
	"github.com/nadmax/queuewatch/internal/logger"
	"github.com/nadmax/queuewatch/internal/session"
	"github.com/nadmax/queuewatch/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type endpointList struct {
	mu   sync.RWMutex
	list []string
}

func (e *endpointList) Get() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return append([]string(nil), e.list...)
}

func (e *endpointList) Set(list []string) {
	e.mu.Lock()
	e.list = append([]string(nil), list...)
	e.mu.Unlock()
}

func main() {
	configPath := flag.String("config", os.Getenv("QUEUEWATCH_CONFIG"), "path to YAML config file; defaults only when empty")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading QUEUEWATCH_* variables")
	flag.Parse()

	config.LoadDotEnv(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info", false)
		logger.Global().Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	log := logger.Global()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(cfg.Session)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Session.Backend).Msg("failed to open session store")
	}
	defer closeStore()

	sessions := session.NewManager(store)
	backend := client.NewClient(client.Options{
		APIURL:      cfg.APIURL,
		BalancerURL: cfg.BalancerURL,
		Timeout:     cfg.RequestTimeout,
	}, sessions)
	collector := capacity.NewCollector(capacity.NewHTTPProbe(nil, cfg.CapacityPath))
	hub := ws.NewHub()
	defer hub.Close()

	endpoints := &endpointList{}
	endpoints.Set(cfg.CapacityEndpoints)
	clock := clockwork.NewRealClock()

	handler := api.NewAPI(ctx, api.Config{
		Auth:     backend,
		Sessions: sessions,
		Views:    hub,
		NewDashboard: func() *dashboard.Dashboard {
			return dashboard.New(dashboard.Deps{
				Tasks:    backend,
				Queue:    backend,
				Capacity: collector,
				Session:  sessions,
				Renderer: hub,
			}, dashboard.Options{
				Clock:        clock,
				PollInterval: cfg.PollInterval,
				Cooldown:     cfg.SubmitCooldown,
				Endpoints:    endpoints.Get(),
			})
		},
		StaticDir: cfg.StaticDir,
	})
	defer handler.Shutdown()

	if err := handler.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("could not resume stored session")
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				endpoints.Set(next.CapacityEndpoints)
				handler.SetEndpoints(next.CapacityEndpoints)
				log.Info().Strs("capacity_endpoints", next.CapacityEndpoints).Msg("capacity endpoints updated")
			})
			if err != nil {
				log.Error().Err(err).Msg("config watch stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("api_url", cfg.APIURL).
		Str("balancer_url", cfg.BalancerURL).
		Strs("capacity_endpoints", cfg.CapacityEndpoints).
		Msg("queuewatch starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server failed")
	}

	log.Info().Msg("shutting down")
}

func openStore(cfg config.SessionConfig) (session.Store, func(), error) {
	if cfg.Backend != config.BackendRedis {
		return session.NewMemoryStore(), func() {}, nil
	}

	store, err := session.NewRedisStore(cfg.RedisAddr, cfg.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}

	return store, func() {
		if err := store.Close(); err != nil {
			logger.Global().Warn().Err(err).Msg("failed to close session store")
		}
	}, nil
}
