package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/karin0/ip-roam/service"
	"github.com/karin0/ip-roam/tslog"
)

var (
	logNoColor bool
	logNoTime  bool
	logLevel   slog.Level
	confPath   string
)

func init() {
	flag.BoolVar(&logNoColor, "logNoColor", false, "Disable colors in log output")
	flag.BoolVar(&logNoTime, "logNoTime", false, "Disable timestamps in log output")
	flag.TextVar(&logLevel, "logLevel", slog.LevelInfo, "Log level")
	flag.StringVar(&confPath, "confPath", "config.toml", "Path to the configuration file")
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := tslog.New(logLevel, logNoColor, logNoTime)

	cfg, err := service.LoadConfig(confPath)
	if err != nil {
		logger.Error("Failed to load configuration",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	if err = cfg.Run(ctx, logger); err != nil {
		logger.Error("Service failed", tslog.Err(err))
		os.Exit(1)
	}
}
