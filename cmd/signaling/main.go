package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Bashar444/liveclass-signaling/internals/config"
	"github.com/Bashar444/liveclass-signaling/internals/media/localengine"
	"github.com/Bashar444/liveclass-signaling/internals/server"
	"github.com/Bashar444/liveclass-signaling/internals/state"
	"github.com/Bashar444/liveclass-signaling/internals/utils"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	defer logger.Sync()

	logger.Info("Starting signaling server")

	var stateManager *state.Manager
	if cfg.Redis.Enabled {
		var err error
		stateManager, err = state.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("Redis connection failed, running without presence mirror", zap.Error(err))
			stateManager = nil
		}
	}

	engine := localengine.New(logger)
	srv := server.New(cfg, engine, stateManager, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start signaling server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	srv.Stop()
	if err := stateManager.Close(); err != nil {
		logger.Warn("Presence mirror close failed", zap.Error(err))
	}
	logger.Info("Signaling server stopped")
}
