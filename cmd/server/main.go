// Command server runs the real-time WebSocket gateway and its HTTP
// control API as a single process (spec §1, §5).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pulsehub-io/pulsehub/internal/adapter"
	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/appregistry"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/config"
	"github.com/pulsehub-io/pulsehub/internal/connmgr"
	"github.com/pulsehub-io/pulsehub/internal/httpapi"
	"github.com/pulsehub-io/pulsehub/internal/logging"
	"github.com/pulsehub-io/pulsehub/internal/quota"
	"github.com/pulsehub-io/pulsehub/internal/webhook"
	"github.com/pulsehub-io/pulsehub/internal/wsgateway"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file, overrides environment defaults")
	flag.Parse()

	cfg := config.FromEnv()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulsehub: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logging.Init(cfg.LogLevel, cfg.LogPretty)
	log := logging.Log

	appStore, closeStore, err := buildAppStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application registry backend")
	}
	defer closeStore()

	apps := appregistry.New(appStore, cfg.AppCacheTTL)
	channels := channelregistry.New(cfg.AppCacheTTL)
	limiter := quota.NewLimiter(time.Minute)
	webhooks := webhook.NewBatcher(webhook.Config{
		BatchDuration:  cfg.WebhookBatchDuration,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RequestTimeout: cfg.WebhookTimeout,
		BaseBackoff:    1 * time.Second,
		MaxBackoff:     30 * time.Second,
	})

	manager := connmgr.NewManager(cfg, channels, apps, limiter, webhooks)

	ad, closeAdapter, err := buildAdapter(cfg, manager)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cluster adapter")
	}
	manager.SetAdapter(ad)
	defer closeAdapter()

	sweepTicker := time.NewTicker(cfg.HeartbeatInterval)
	defer sweepTicker.Stop()
	go func() {
		for t := range sweepTicker.C {
			manager.Sweep(t)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	gw := wsgateway.New(manager, rand.Uint32())
	gw.RegisterRoutes(router)

	apiHandler := httpapi.NewHandler(apps, channels, ad, limiter, cfg)
	httpapi.RegisterRoutes(apiHandler, router)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			log.Info().Str("addr", cfg.BindAddr).Msg("listening (TLS)")
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			log.Info().Str("addr", cfg.BindAddr).Msg("listening")
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server did not shut down cleanly")
	}

	manager.Shutdown(apperr.CloseServerShutdown)
	webhooks.Flush()
	webhooks.Close()

	log.Info().Msg("shutdown complete")
}

// buildAppStore selects the application registry's storage backend
// per cfg.AppRegistryBackend (spec §1: the storage driver itself is
// out of scope, but a pluggable Store interface with two concrete
// implementations is not).
func buildAppStore(cfg *config.Config) (appregistry.Store, func(), error) {
	switch cfg.AppRegistryBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return appregistry.NewPostgresStore(db), func() { db.Close() }, nil
	default:
		return appregistry.NewMemoryStore(), func() {}, nil
	}
}

// buildAdapter selects the cluster fan-out transport per cfg.Adapter
// (spec §4.F, design note "dynamic driver selection").
func buildAdapter(cfg *config.Config, manager *connmgr.Manager) (adapter.Adapter, func(), error) {
	pubsubCfg := adapter.Config{
		Prefix:            cfg.TopicPrefix,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RequestTimeout:    cfg.RequestTimeout,
	}

	switch cfg.Adapter {
	case config.AdapterRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		transport := adapter.NewRedisTransport(client, uuid.NewString())
		ps, err := adapter.NewPubSub(context.Background(), transport, manager, pubsubCfg)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	case config.AdapterNATS:
		transport, err := adapter.Dial(cfg.NATSURL, "")
		if err != nil {
			return nil, nil, fmt.Errorf("dial nats: %w", err)
		}
		ps, err := adapter.NewPubSub(context.Background(), transport, manager, pubsubCfg)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	default:
		local := adapter.NewLocal(manager)
		return local, func() { local.Close() }, nil
	}
}
