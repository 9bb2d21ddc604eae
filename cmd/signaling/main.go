package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/mossy-p/webrtc-pairing/config"
	"github.com/mossy-p/webrtc-pairing/internal/handlers"
	"github.com/mossy-p/webrtc-pairing/internal/redis"
	"github.com/mossy-p/webrtc-pairing/internal/turncreds"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	if err := redis.Connect(ctx, cfg.Redis); err != nil {
		logger.Error("failed to connect to Redis", "err", err)
		os.Exit(1)
	}
	defer redis.Close()

	logger.Info("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	clock := clockwork.NewRealClock()
	ice, err := turncreds.NewProvider(cfg.TURN, clock)
	if err != nil {
		logger.Error("invalid TURN configuration", "err", err)
		os.Exit(2)
	}

	store := redis.NewMatchStore(redis.GetClient(), cfg.Match.WaitTTL, cfg.Match.RoomTTL, clock)
	hub := handlers.NewHub(redis.NewBroker(redis.GetClient(), logger), logger)
	brokerReady := make(chan struct{})
	brokerErr := make(chan error, 1)
	go func() {
		brokerErr <- hub.Run(ctx, func() { close(brokerReady) })
	}()

	// Accept connections only once broadcasts reach every instance
	select {
	case <-brokerReady:
	case err := <-brokerErr:
		logger.Error("relay broker failed to start", "err", err)
		os.Exit(1)
	case <-ctx.Done():
		return
	}
	go func() {
		if err := <-brokerErr; err != nil {
			logger.Error("relay broker stopped", "err", err)
			stop()
		}
	}()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handlers.Register(router, handlers.Deps{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Store:          store,
		Hub:            hub,
		ICE:            ice,
		Logger:         logger,
		DemoLogin:      cfg.Environment != "production",
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Start server
	logger.Info("starting pairing relay", "port", cfg.Port, "environment", cfg.Environment,
		"turn_urls", len(cfg.TURN.TURNURLs), "turn_rest", cfg.TURN.Secret != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
