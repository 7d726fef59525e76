package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cryptopulse.com/internal/relay/app"
	"cryptopulse.com/pkg/logger"
)

const serviceName = "relay"

func main() {
	// Ctrl+C / kubernetes 停止信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.Load(serviceName)
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	logger.Info(ctx, "relay starting",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("transport", cfg.Upstream.Transport),
		zap.Bool("upstream", !cfg.Upstream.Disabled),
	)

	relay, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "init relay error", zap.Error(err))
	}
	if err := relay.Run(ctx); err != nil {
		logger.Error(ctx, "relay exit with error", zap.Error(err))
		logger.Sync()
		return
	}
	log.Println("relay exit")
}
