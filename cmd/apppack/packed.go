package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/apppack/internal/cache"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/supervisor"
	"github.com/eliteGoblin/focusd/apppack/internal/usecase"
)

// runPacked runs the application carried by exe. stdout is the event
// stream, so logs go to the cache log file.
func runPacked(exe string, c *domain.OverlayContainer) int {
	layout := infra.DetectCacheLayout(c.Descriptor.Name)
	logger := createLogger(layout.LogPath)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting packed application",
		zap.String("name", c.Descriptor.Name),
		zap.String("exe", exe),
		zap.String("cache_mode", layout.Mode.String()))

	index := infra.NewLazyCacheIndex(layout)
	defer index.Close()

	manager := cache.NewManager(layout, index, logger)
	sup := supervisor.NewSupervisor(supervisor.ConfigFromEnv(), infra.NewProcessManager(), logger)
	launcher := usecase.NewLauncher(manager, sup, infra.NewStreamSurface(os.Stdout), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, err := launcher.LaunchContainer(ctx, c, exe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", c.Descriptor.Name, err)
		return 1
	}
	logger.Info("application launched", zap.Bool("backend", session.HasBackend()))
	if err := session.Serve(ctx, os.Stdin, usecase.DefaultShutdownTimeout); err != nil {
		logger.Error("host stream failed", zap.Error(err))
		return 1
	}
	logger.Info("application closed")
	return 0
}

func createLogger(path string) *zap.Logger {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zap.NewNop()
	}
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// stdout carries events; fall back to stderr
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		if logger, err = config.Build(); err != nil {
			return zap.NewNop()
		}
	}
	return logger
}
