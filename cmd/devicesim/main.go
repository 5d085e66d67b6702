package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meter-collector/internal/config"
	"meter-collector/internal/logging"
	"meter-collector/internal/servermgr"
)

func main() {
	var catalogPath, level string
	var retry int
	flag.StringVar(&catalogPath, "catalog", "config/catalog.yaml", "path to catalog YAML")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.IntVar(&retry, "retry", 0, "listen retries per device")
	flag.Parse()

	cat, err := config.LoadCatalog(catalogPath)
	if err != nil {
		log.Fatalf("load catalog %s: %v", catalogPath, err)
	}
	logger, err := logging.New(config.LoggingConfig{Level: level})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mgr := servermgr.NewManager(cat, logger)
	mgr.RetryCount = retry

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutting down simulated devices")
		cancel()
	}()

	if err := mgr.Run(ctx); err != nil {
		log.Fatalf("device simulator: %v", err)
	}
}
