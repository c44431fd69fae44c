package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fieldgw/internal/core/services"
	httphandlers "fieldgw/internal/handlers/http"
	"fieldgw/internal/infrastructure/distributed"
	"fieldgw/internal/infrastructure/repositories"
	signalsrv "fieldgw/internal/infrastructure/signal"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func loadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServer(path)
	if fgerrors.HasCode(err, fgerrors.ConfigUnexist) {
		// defaults plus FIELDGW_* environment
		return config.ParseServer(nil)
	}
	return cfg, err
}

func main() {
	configPath := flag.String("config", "configs/signal.yaml", "path to the server configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	repoFactory := repositories.NewRepositoryFactory(cfg.Redis, log)
	defer repoFactory.Close()

	presence := repoFactory.CreatePresenceRepository()
	authService := services.NewAuthService(cfg.JWT.Secret, cfg.JWT.TokenTTL, cfg.Devices)

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, cfg.InstanceID, log)
		defer bus.Close()
	}

	wsServer := signalsrv.NewWebSocketServer(cfg, authService, presence, bus, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewSignalRouter(
		cfg.HTTPRateLimit,
		wsServer.HandleWebSocket,
		wsServer.HealthCheck,
		httphandlers.NewAuthHandler(authService, presence),
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := wsServer.RunEventBus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event bus stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting rendezvous server", "address", cfg.Address, "instance_id", cfg.InstanceID, "devices", len(cfg.Devices))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	log.Info("rendezvous server stopped")
}
