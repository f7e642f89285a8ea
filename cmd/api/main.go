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

	"softphone-bridge/internal/auth"
	"softphone-bridge/internal/bridge"
	"softphone-bridge/internal/config"
	"softphone-bridge/internal/publisher"
	"softphone-bridge/internal/realtime"
	"softphone-bridge/internal/relay"
	"softphone-bridge/internal/telephony"
	"softphone-bridge/pkg/logger"
	"softphone-bridge/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

// run wires the server and blocks until shutdown. Every exit path returns
// through here so deferred closers always run.
func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log := logger.New(cfg.App.Env)
	if cfg.App.LogFile != "" {
		log = logger.NewFile(cfg.App.Env, cfg.App.LogFile)
	}
	slog.SetDefault(log)
	defer func() { _ = logger.ShutdownFlush(context.Background(), 2*time.Second) }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	provider := telephony.NewTwilioProvider(telephony.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})

	cache := relay.Cache(relay.NewMemoryCache())
	if cfg.Cache.Backend == config.CacheBackendRedis {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			URL:      cfg.Redis.URL,
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()
		cache = relay.NewRedisCache(rdb, cfg.Cache.TTL)
	}

	var mirror publisher.Publisher
	if cfg.MQTT.Broker != "" {
		mp, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			// the mirror is optional; status delivery does not depend on it
			log.Warn("mqtt mirror disabled", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			defer mp.Close()
			mirror = mp
		}
	}

	statusRelay := relay.New(relay.Options{
		Cache:        cache,
		Fetcher:      provider,
		Mirror:       mirror,
		MirrorPrefix: cfg.MQTT.TopicPrefix,
		Logger:       log,
	})

	controller := bridge.NewController(bridge.Options{
		Provider:           provider,
		CallerID:           cfg.Twilio.PhoneNumber,
		CallbackBaseURL:    cfg.App.PublicBaseURL,
		WaitURL:            cfg.Bridge.WaitURL,
		DefaultCountryCode: cfg.Bridge.DefaultCountryCode,
		Logger:             log,
	})

	hub := realtime.NewHub(realtime.HubOptions{
		Subscriptions: statusRelay,
		Logger:        log,
	})

	deps := routeDeps{
		cfg:      cfg,
		issuer:   auth.NewIssuer(cfg.Twilio),
		provider: provider,
		relay:    statusRelay,
		bridge:   controller,
		hub:      hub,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/call/status/:callId"))

	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"cache", cfg.Cache.Backend,
			"public_base_url", cfg.App.PublicBaseURL,
			"signature_validation", cfg.Twilio.ValidateSignature,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// hijacked socket connections are not tracked by Shutdown
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
